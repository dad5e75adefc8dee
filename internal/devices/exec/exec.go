// Package exec provides a sensor that runs a script every poll and an
// actuator that runs a command for every message it receives.
//
//	SensorDiskFree:
//	  Class: exec_sensor
//	  Script: /usr/local/bin/disk_free.sh /
//	  Poll: 300
//	  Connections:
//	    mqtt:
//	      StateDest: host/disk_free
//
//	ActuatorRestart:
//	  Class: exec_actuator
//	  Command: systemctl restart
//	  Timeout: 30
//	  Connections:
//	    mqtt:
//	      CommandSrc: host/restart
//	      StateDest: host/restart/result
//
// Arguments containing ';' or '|' are dropped, both from the configured
// command line and from received messages. Commands are run directly, never
// through a shell.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result published when a command fails or times out.
const Error = "ERROR"

// ErrTimeout is returned when a command runs past its deadline.
var ErrTimeout = errors.New("exec: command timed out")

// IsSafe reports whether arg may be passed to a command.
func IsSafe(arg string) bool {
	return !strings.ContainsAny(arg, ";|")
}

// SafeArgs splits line on spaces and drops empty and unsafe arguments.
func SafeArgs(line string) []string {
	var out []string
	for _, arg := range strings.Split(line, " ") {
		if arg != "" && IsSafe(arg) {
			out = append(out, arg)
		}
	}
	return out
}

// run executes args and returns stdout without trailing whitespace. ctx
// carries the timeout.
var run = func(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("exec: empty command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", ErrTimeout
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return strings.TrimRight(stdout.String(), " \t\r\n"), nil
}
