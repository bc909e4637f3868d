package hskeymgmt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Confirmer gates destructive operations. Implementations return true
// to proceed and false to abort; an error means the answer could not be
// obtained at all. Operations treat false as a clean decline with no
// mutation performed.
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// NewTerminalConfirmer returns a Confirmer that prompts on the
// terminal. The prompt loops until the user types YES (case-sensitive)
// to proceed or no/n (case-insensitive) to abort; anything else asks
// again. When stdin is not a terminal the answer is an immediate
// decline, so scripted runs without --force never hang on a prompt.
func NewTerminalConfirmer() Confirmer {
	return &terminalConfirmer{
		in:  os.Stdin,
		out: os.Stderr,
		isTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

type terminalConfirmer struct {
	in         io.Reader
	out        io.Writer
	isTerminal func() bool
}

func (t *terminalConfirmer) Confirm(prompt string) (bool, error) {
	if t.isTerminal != nil && !t.isTerminal() {
		return false, nil
	}

	reader := bufio.NewReader(t.in)
	for {
		if _, err := fmt.Fprintf(t.out, "%s (type YES to proceed, no to abort): ", prompt); err != nil {
			return false, fmt.Errorf("failed to write confirmation prompt: %w", err)
		}
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			// EOF without an answer is a decline
			if err == io.EOF {
				return false, nil
			}
			return false, fmt.Errorf("failed to read confirmation answer: %w", err)
		}
		answer := strings.TrimSpace(line)
		if answer == "YES" {
			return true, nil
		}
		switch strings.ToLower(answer) {
		case "no", "n":
			return false, nil
		}
		// anything else re-prompts
	}
}

// ForceConfirmer approves every confirmation without prompting. The
// CLI installs it when --force is given.
type ForceConfirmer struct{}

func (ForceConfirmer) Confirm(string) (bool, error) {
	return true, nil
}

// confirm runs the confirmer if one is set. A nil confirmer means the
// caller has already decided to proceed.
func confirm(c Confirmer, prompt string) error {
	if c == nil {
		return nil
	}
	ok, err := c.Confirm(prompt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConfirmationDeclined
	}
	return nil
}
