// Package cli implements the rdev command-line interface.
//
// Each command is built by a newXxxCmd(a *app) factory so tests can build
// a fresh tree per case. The app value carries the global flags, the
// loaded config and a lazily created device.Registry shared by every
// device the command touches.
//
// # Command Structure
//
//	rdev connect [device]        - Connect and report the device state
//	rdev exec <command>          - Run a command on the device
//	rdev shell                   - Open a login shell
//	rdev env [NAME...]           - Print the login environment
//	rdev push|pull|cp            - Copy files with sftp, rsync or the shell
//	rdev kill <pid>              - Stop a remote process group
//	rdev test [device...]        - Check devices and their transfer methods
//	rdev devices list|add|...    - Manage the config file
//
// # Devices and Connections
//
// Commands resolve their device from an explicit argument, then --device,
// then the config default. Connecting waits until the optional SFTP
// bridge has settled so the connection notice is printed before any
// command output.
//
// # Errors
//
// Commands return *errors.Error values; Execute prints them with their
// suggestion and exits 1, or with the remote command's own status for
// *errors.ExitError.
package cli
