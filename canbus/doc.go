// Package canbus provides the frame-level transport used by the signal store:
// the classical CAN Frame type, the Bus interface, and a few Bus
// implementations and decorators.
//
// It includes:
//   - A core Frame type with validation and binary marshaling helpers
//   - An in-memory loopback bus for tests and simulations
//   - A Linux SocketCAN driver (linux-only) built on golang.org/x/sys/unix
//   - A replay bus that reads candump log files and a Recorder that writes them
//   - A Mux for fanning received frames out to filtered subscribers
//   - A logging decorator backed by logrus
package canbus
