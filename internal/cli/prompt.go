package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNoInput is returned when a prompt reaches the end of its input.
var ErrNoInput = errors.New("no input available")

// Prompter asks the user questions. Commands take one so tests can script the answers.
type Prompter interface {
	// Confirm asks a yes/no question; anything but y or yes is no.
	Confirm(question string) (bool, error)
	// Prompt asks for a line of text. An empty answer selects def.
	Prompt(question, def string) (string, error)
	// Choose lists options and returns the index of the one picked.
	Choose(question string, options []string) (int, error)
}

// TerminalPrompter reads answers line by line.
type TerminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalPrompter reads answers from in and writes questions to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

func (p *TerminalPrompter) readLine() (string, error) {
	input, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && input != "" {
			return strings.TrimSpace(input), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrNoInput
		}
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// Confirm implements Prompter.
func (p *TerminalPrompter) Confirm(question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N]: ", question)
	input, err := p.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(input) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Prompt implements Prompter.
func (p *TerminalPrompter) Prompt(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	input, err := p.readLine()
	if err != nil {
		return "", err
	}
	if input == "" {
		return def, nil
	}
	return input, nil
}

// Choose implements Prompter. Invalid answers ask again.
func (p *TerminalPrompter) Choose(question string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, errors.New("no options to choose from")
	}
	fmt.Fprintf(p.out, "\n%s\n", question)
	fmt.Fprintln(p.out, "What would you like to do?")
	for i, o := range options {
		fmt.Fprintf(p.out, "  %d. %s\n", i+1, o)
	}
	fmt.Fprintf(p.out, "Choose [1-%d]: ", len(options))

	input, err := p.readLine()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(input)
	if err != nil || n < 1 || n > len(options) {
		fmt.Fprintln(p.out, "Invalid choice, please try again.")
		return p.Choose(question, options)
	}
	return n - 1, nil
}
