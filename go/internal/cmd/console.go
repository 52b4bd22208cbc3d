package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mcdev12/sprintgates/go/internal/timing"
	"github.com/rs/zerolog/log"
)

const consoleHelp = "commands: arm, trigger, stop, reset, status, host [code], join <code>, leave, quit"

// runConsole reads line commands until quit or EOF.
func runConsole(r io.Reader, machine *timing.Machine) {
	fmt.Println(consoleHelp)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if !runCommand(machine, fields[0], fields[1:]) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("console read failed")
	}
}

func runCommand(machine *timing.Machine, cmd string, args []string) bool {
	switch cmd {
	case "arm":
		machine.Arm()
	case "trigger", "t":
		machine.Trigger()
	case "stop":
		machine.Stop()
	case "reset":
		machine.Reset()
	case "status":
		printStatus(machine)
	case "host":
		code := ""
		if len(args) > 0 {
			code = args[0]
		}
		assigned, err := machine.Host(code)
		if err != nil {
			log.Error().Err(err).Msg("failed to host session")
			break
		}
		log.Info().Str("code", assigned).Msg("hosting")
	case "join":
		if len(args) == 0 {
			fmt.Println("usage: join <code>")
			break
		}
		if err := machine.Join(args[0]); err != nil {
			log.Error().Err(err).Msg("failed to join session")
		}
	case "leave":
		if err := machine.Leave(); err != nil {
			log.Error().Err(err).Msg("failed to leave session")
		}
	case "quit", "exit":
		return false
	default:
		fmt.Println(consoleHelp)
	}
	return true
}

func printStatus(machine *timing.Machine) {
	status, err := machine.Status()
	if err != nil {
		log.Error().Err(err).Msg("status unavailable")
		return
	}

	fmt.Printf("%s: state=%s elapsed=%s role=%s status=%s code=%s\n",
		status.Session.DeviceName,
		status.State,
		formatElapsed(status.Elapsed),
		status.Session.Role,
		status.Session.Status,
		status.Session.Code,
	)
	for i, split := range status.Splits {
		fmt.Printf("  split %d  %s  +%s\n", i+1, formatElapsed(split.Elapsed()), formatElapsed(split.Since()))
	}
	for _, device := range status.Session.Roster {
		fmt.Printf("  device %-16s rtt=%dms avg=%dms\n", device.DisplayName, device.LastRTT, device.AvgLatency)
	}
}

// formatElapsed renders mm:ss.cc like a stopwatch face.
func formatElapsed(d time.Duration) string {
	cs := d.Milliseconds() / 10
	return fmt.Sprintf("%02d:%02d.%02d", cs/6000, (cs/100)%60, cs%100)
}
