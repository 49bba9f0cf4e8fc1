package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"
)

// ============================================================================
// Operator commands
// ============================================================================
// `motorlink send <command> [args]` posts one event over IPC and exits.
// `motorlink ctl` runs the same commands in an interactive shell.
// ============================================================================

var errUsage = errors.New("usage")

// ctlCommand maps an operator word to the host event it posts.
type ctlCommand struct {
	Help  string
	Build func(args []string) (Event, error)
}

var ctlCommands = map[string]ctlCommand{
	"free": {
		Help: "release the motor (mode rising edge)",
		Build: func([]string) (Event, error) {
			return ChannelChanged{Channel: channelMode, Value: 1, Prev: 0}, nil
		},
	},
	"lock": {
		Help: "hold the current position (mode falling edge)",
		Build: func([]string) (Event, error) {
			return ChannelChanged{Channel: channelMode, Value: 0, Prev: 1}, nil
		},
	},
	"calibrate": {
		Help: "run encoder calibration (calib rising edge)",
		Build: func([]string) (Event, error) {
			return ChannelChanged{Channel: channelCalib, Value: 1, Prev: 0}, nil
		},
	},
	"home": {
		Help: "run the end-stop homing routine",
		Build: func([]string) (Event, error) {
			return DeviceHome{}, nil
		},
	},
	"pos": {
		Help: "POSITION  set the target position (encoder counts)",
		Build: func(args []string) (Event, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w: pos POSITION", errUsage)
			}
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return nil, fmt.Errorf("pos: %w", err)
			}
			return ChannelSampled{Channel: channelPos, Value: v}, nil
		},
	},
	"data": {
		Help: "V1 ... V27  replace the bulk data buffer",
		Build: func(args []string) (Event, error) {
			samples, err := parseSamples(args)
			if err != nil {
				return nil, fmt.Errorf("data: %w", err)
			}
			return DataBufferUpdated{Samples: samples}, nil
		},
	},
	"bulk": {
		Help: "[V1 ... V27]  send a bulk frame (stored buffer if no values)",
		Build: func(args []string) (Event, error) {
			samples, err := parseSamples(args)
			if err != nil {
				return nil, fmt.Errorf("bulk: %w", err)
			}
			return BulkSend{Samples: samples}, nil
		},
	},
	"start": {
		Help: "project start (reset mode flags, rewind, pause)",
		Build: func([]string) (Event, error) {
			return ProjectStart{}, nil
		},
	},
	"exit": {
		Help: "project exit (reset mode flags, rewind, pause)",
		Build: func([]string) (Event, error) {
			return ProjectExit{}, nil
		},
	},
	"play": {
		Help: "mark the timeline playing",
		Build: func([]string) (Event, error) {
			return PlayStateChanged{Playing: true}, nil
		},
	},
	"pause": {
		Help: "mark the timeline paused",
		Build: func([]string) (Event, error) {
			return PlayStateChanged{Playing: false}, nil
		},
	},
	"event": {
		Help: "JSON  post a raw event envelope",
		Build: func(args []string) (Event, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("%w: event JSON", errUsage)
			}
			return UnmarshalEvent([]byte(strings.Join(args, " ")))
		},
	},
}

func parseSamples(args []string) ([]float64, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]float64, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// buildCtlEvent resolves an operator command line into an event.
func buildCtlEvent(name string, args []string) (Event, error) {
	cmd, ok := ctlCommands[name]
	if !ok {
		return nil, fmt.Errorf("unknown command: %q", name)
	}
	return cmd.Build(args)
}

func ctlCommandNames() []string {
	names := make([]string, 0, len(ctlCommands))
	for name := range ctlCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ctlPoster posts events; SendIPCEvent in production.
type ctlPoster func(Event) error

// newCtlShell builds the interactive shell. Each operator command posts one event;
// "status" prints the daemon's snapshot.
func newCtlShell(post ctlPoster, status func() (StateSnapshot, error)) *ishell.Shell {
	shell := ishell.New()
	shell.SetPrompt("motorlink> ")

	for _, name := range ctlCommandNames() {
		name := name
		shell.AddCmd(&ishell.Cmd{
			Name: name,
			Help: ctlCommands[name].Help,
			Func: func(c *ishell.Context) {
				ev, err := buildCtlEvent(name, c.Args)
				if err != nil {
					c.Err(err)
					return
				}
				if err := post(ev); err != nil {
					c.Err(err)
					return
				}
				c.Println("ok")
			},
		})
	}

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "print daemon state",
		Func: func(c *ishell.Context) {
			snap, err := status()
			if err != nil {
				c.Err(err)
				return
			}
			b, err := formatSnapshot(snap)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(b)
		},
	})

	return shell
}

func formatSnapshot(snap StateSnapshot) (string, error) {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func printSnapshot(snap StateSnapshot) {
	s, err := formatSnapshot(snap)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Println(s)
}
