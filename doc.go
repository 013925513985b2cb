// # Go Client Package for Real-Time Avatar Conversation Sessions
//
// This repository provides a Go package for building applications that hold a spoken conversation with a remote conversational-AI backend while a synthetic talking-head video of the agent streams back over WebRTC. It is designed to be imported into your own Go projects, providing the core functionality to handle microphone capture, the duplex control channel, avatar media negotiation, and session orchestration with an audio-only fallback.
package avatarkit
