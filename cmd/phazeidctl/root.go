package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/phazeid/transport/ws"
	"github.com/MrEthical07/phazeid/tunnel"
	"github.com/spf13/cobra"
)

// app holds the global flags and IO shared by every command.
type app struct {
	server    string
	session   string
	challenge string
	timeout   time.Duration
	keyBits   int

	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		in:     bufio.NewReader(in),
		out:    out,
		errOut: errOut,
	}

	cmd := &cobra.Command{
		Use:           "phazeidctl",
		Short:         "Talk to a phazeid server over the encrypted tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.server, "server", "ws://localhost:8080/api/v1/auth/tunnel", "tunnel websocket URL")
	cmd.PersistentFlags().StringVar(&a.session, "session", "", "session token sent as the session cookie")
	cmd.PersistentFlags().StringVar(&a.challenge, "captcha", "", "captcha token for the handshake")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "timeout for one tunnel exchange")
	cmd.PersistentFlags().IntVar(&a.keyBits, "key-bits", tunnel.MinKeyBits, "client RSA key size")

	cmd.AddCommand(
		newLoginCmd(a),
		newSignupCmd(a),
		newChangePasswordCmd(a),
		newRequestResetCmd(a),
		newResetCmd(a),
		newBenchCmd(a),
	)
	return cmd
}

// exchange runs one tunnel command and prints the reply. A non-OK status
// is returned as an error so the process exits non-zero.
func (a *app) exchange(cmd *cobra.Command, op tunnel.Opcode, fields ...string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()

	header := http.Header{}
	if a.session != "" {
		header.Add("Cookie", ws.SessionCookie+"="+a.session)
	}
	conn, err := ws.Dial(ctx, a.server, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := &tunnel.Client{KeyBits: a.keyBits}
	reply, err := client.Do(ctx, conn, a.challenge, op, fields...)
	if err != nil {
		return err
	}

	switch {
	case reply.Status == tunnel.StatusLocked:
		return fmt.Errorf("%s: locked until %s", op, time.Unix(reply.LockedUntil, 0).UTC().Format(time.RFC3339))
	case reply.Status != tunnel.StatusOK:
		return fmt.Errorf("%s: %s", op, reply.Status)
	case reply.Payload != "":
		_, err = fmt.Fprintln(a.out, reply.Payload)
		return err
	default:
		_, err = fmt.Fprintln(a.out, "ok")
		return err
	}
}

// secret returns value, or reads one line from stdin when value is empty.
func (a *app) secret(value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprintf(a.errOut, "%s: ", prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("%s is required", strings.ToLower(prompt))
	}
	return line, nil
}
