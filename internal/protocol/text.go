package protocol

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	"grimm.is/bastion/internal/pipeline"
)

// maxDataLineBytes bounds one line of a dot-terminated message body.
const maxDataLineBytes = 64 << 10

// splitCommand returns the upper-cased verb and its argument.
func splitCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// reply is a numbered (FTP or SMTP) server reply, possibly multi-line.
type reply struct {
	Code  int
	Lines []string
}

// readReply reads "ddd text" or a "ddd-" continuation block ending in
// "ddd text".
func readReply(br *bufio.Reader) (reply, error) {
	first, err := readLine(br, maxLineBytes)
	if err != nil {
		return reply{}, err
	}
	code, ok := replyCode(first)
	if !ok {
		return reply{}, protocolError("malformed reply %q", first)
	}
	r := reply{Code: code, Lines: []string{first}}
	if len(first) < 4 || first[3] != '-' {
		return r, nil
	}
	end := first[:3] + " "
	for {
		line, err := readLine(br, maxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return reply{}, err
		}
		r.Lines = append(r.Lines, line)
		if strings.HasPrefix(line, end) || line == first[:3] {
			return r, nil
		}
	}
}

func replyCode(line string) (int, bool) {
	if len(line) < 3 {
		return 0, false
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

func (r reply) write(w io.Writer) error {
	var sb strings.Builder
	for _, l := range r.Lines {
		sb.WriteString(l)
		sb.WriteString("\r\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// text returns the reply text without codes.
func (r reply) text() []string {
	out := make([]string, len(r.Lines))
	for i, l := range r.Lines {
		if len(l) > 4 {
			out[i] = l[4:]
		}
	}
	return out
}

// buildReply formats a (multi-line) reply.
func buildReply(code int, lines []string) reply {
	if len(lines) == 0 {
		lines = []string{""}
	}
	c := strconv.Itoa(code)
	r := reply{Code: code, Lines: make([]string, len(lines))}
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		r.Lines[i] = c + sep + l
	}
	return r
}

// relayDotBody copies a dot-terminated body line by line, including the
// terminating ".".
func relayDotBody(dst io.Writer, br *bufio.Reader) error {
	bw := bufio.NewWriter(dst)
	for {
		line, err := readLine(br, maxDataLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		if _, err := bw.WriteString(line + "\r\n"); err != nil {
			return err
		}
		if line == "." {
			return bw.Flush()
		}
	}
}

// rejectReason extracts the client-facing text of a policy rejection.
func rejectReason(err error, def string) string {
	var pe *pipeline.Error
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	return def
}
