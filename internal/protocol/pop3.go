package protocol

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"grimm.is/bastion/internal/pipeline"
)

// POP3 relays mailbox commands; rejected commands get -ERR.
type POP3 struct{}

func (POP3) Serve(ctx context.Context, s *Session) error {
	if err := s.begin(); err != nil {
		return err
	}
	stop := closeOnDone(ctx, s.Client, s.Server)
	defer stop()

	cbr := bufio.NewReader(s.Client)
	sbr := bufio.NewReader(s.Server)
	p := s.Pipeline

	greeting, err := readLine(sbr, maxLineBytes)
	if err != nil {
		return err
	}
	if err := writeLine(s.Client, greeting); err != nil {
		return err
	}
	if !strings.HasPrefix(greeting, "+OK") {
		return nil
	}

	for {
		line, err := readLine(cbr, maxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		verb, arg := splitCommand(line)

		if err := p.CheckVerb(ctx, verb, arg); err != nil {
			writeLine(s.Client, "-ERR "+rejectReason(err, "Command rejected by policy"))
			return err
		}
		if verb == "STLS" {
			if err := writeLine(s.Client, "-ERR STLS not supported"); err != nil {
				return err
			}
			continue
		}

		if err := writeLine(s.Server, line); err != nil {
			return err
		}
		status, err := readLine(sbr, maxLineBytes)
		if err != nil {
			return err
		}
		if err := writeLine(s.Client, status); err != nil {
			return err
		}

		if strings.HasPrefix(status, "+OK") && pop3MultiLine(verb, arg) {
			if err := p.Transition(pipeline.StateBodyTransfer); err != nil {
				return err
			}
			if verb == "CAPA" {
				err = relayCapabilities(s.Client, sbr)
			} else {
				err = relayDotBody(s.Client, sbr)
			}
			if err != nil {
				return err
			}
			if err := p.Transition(pipeline.StateHeaderExchange); err != nil {
				return err
			}
		}
		if verb == "QUIT" {
			return nil
		}
	}
}

func pop3MultiLine(verb, arg string) bool {
	switch verb {
	case "RETR", "TOP", "CAPA":
		return true
	case "LIST", "UIDL":
		return arg == ""
	}
	return false
}

// relayCapabilities forwards a CAPA listing without STLS.
func relayCapabilities(dst io.Writer, br *bufio.Reader) error {
	var sb strings.Builder
	for {
		line, err := readLine(br, maxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		if line != "." && strings.EqualFold(strings.TrimSpace(line), "STLS") {
			continue
		}
		sb.WriteString(line + "\r\n")
		if line == "." {
			_, err := io.WriteString(dst, sb.String())
			return err
		}
	}
}
