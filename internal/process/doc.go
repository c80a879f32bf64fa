// Package process supervises child processes.
//
// The device manager runs every driver in its own driver-host process. A
// Supervisor owns one such child:
//   - it starts the child in its own process group so Stop can signal the
//     whole tree (SIGTERM, then SIGKILL after a timeout)
//   - it restarts the child after an unexpected exit, with exponential
//     backoff and an optional attempt limit
//   - it logs the child's stdout and stderr line by line
//   - it reports exits and the final give-up through callbacks
//
// Example usage:
//
//	sup := process.NewSupervisor(process.Spec{
//	    Name:               "com.acme/Serial",
//	    Binary:             "/usr/libexec/extdev/driver-host",
//	    Args:               []string{"--package", "com.acme", "--component", "Serial"},
//	    RestartOnFailure:   true,
//	    MaxRestartAttempts: 5,
//	    OnGiveUp:           func(err error) { reg.ConnectionLost(conn, err) },
//	})
//
//	pid, err := sup.Start(ctx)
//	if err != nil {
//	    return err
//	}
//	defer sup.Stop(ctx)
package process
