package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent-relay/relay/pkg/protocol"
)

func newSpawnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn <name> <cli> <task>",
		Short: "Ask the broker to supervise a new PTY-backed agent",
		Args:  cobra.ExactArgs(3),
		RunE:  runSpawn,
	}
	cmd.Flags().String("cwd", "", "working directory for the spawned process")
	cmd.Flags().String("shadow-of", "", "spawn this agent as a shadow mirroring an existing primary")
	cmd.Flags().BoolP("interactive", "i", false, "attach this terminal to the spawned agent's stdin/output after spawning")
	return cmd
}

func runSpawn(cmd *cobra.Command, args []string) error {
	socketPath := resolveSocketPath(cmd)
	c, cancel, err := dialOneShot(context.Background(), socketPath, "relayctl-spawn", nil)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	cwd, _ := cmd.Flags().GetString("cwd")
	shadowOf, _ := cmd.Flags().GetString("shadow-of")
	interactive, _ := cmd.Flags().GetBool("interactive")

	result, err := c.Spawn(protocol.SpawnPayload{
		Name:        args[0],
		CLI:         args[1],
		Task:        args[2],
		Cwd:         cwd,
		Spawner:     "relayctl",
		Interactive: interactive,
		ShadowOf:    shadowOf,
	})
	if err != nil {
		return fmt.Errorf("spawn request failed: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("broker rejected spawn: %s", result.Error)
	}

	cmd.Printf("spawned %s (pid %d)\n", result.Name, result.PID)
	if !interactive {
		return nil
	}
	return runInteractive(cmd, socketPath, result.Name)
}

// runInteractive attaches the calling terminal to a just-spawned agent: the
// terminal is put into raw mode so every keystroke reaches the agent's PTY
// unbuffered, and the agent's stdout lines are printed as they arrive.
func runInteractive(cmd *cobra.Command, socketPath, name string) error {
	out := cmd.OutOrStdout()
	in, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(in.Fd())) {
		fmt.Fprintln(out, "not attached to a terminal; skipping interactive mode")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	c, dialCancel, err := dialOneShot(ctx, socketPath, "relayctl-attach-"+name, func(env protocol.Envelope) error {
		if env.Type == protocol.TypeLog {
			var p protocol.LogPayload
			if err := env.DecodePayload(&p); err == nil && p.Name == name {
				fmt.Fprint(out, p.Data)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer dialCancel()
	defer c.Close()

	prevState, err := term.MakeRaw(int(in.Fd()))
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer func() { _ = term.Restore(int(in.Fd()), prevState) }()

	fmt.Fprintf(out, "-- attached to %s, Ctrl-] to detach --\r\n", name)

	reader := bufio.NewReader(in)
	buf := make([]byte, 256)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if idx := indexByte(chunk, 0x1d); idx >= 0 { // Ctrl-]
				if idx > 0 {
					_ = c.SendMessage(name, protocol.SendPayload{Kind: "stdin", Body: string(chunk[:idx])})
				}
				break
			}
			if err := c.SendMessage(name, protocol.SendPayload{Kind: "stdin", Body: string(chunk)}); err != nil {
				break
			}
		}
		if readErr != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}

	fmt.Fprint(out, "\r\n-- detached --\r\n")
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
