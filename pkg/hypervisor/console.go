package hypervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// consolePipes holds the host side of a VM serial console.
// The guest reads from the input pipe and writes to the output pipe.
type consolePipes struct {
	inputWriter  *os.File
	outputReader *os.File
}

// open creates both pipes and returns the guest-side ends.
func (p *consolePipes) open() (guestIn *os.File, guestOut *os.File, err error) {
	inputReader, inputWriter, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create input pipe: %w", err)
	}
	outputReader, outputWriter, err := os.Pipe()
	if err != nil {
		inputReader.Close()
		inputWriter.Close()
		return nil, nil, fmt.Errorf("create output pipe: %w", err)
	}

	p.inputWriter = inputWriter
	p.outputReader = outputReader
	return inputReader, outputWriter, nil
}

// handles returns the host-side console ends, if open.
func (p *consolePipes) handles() (io.Writer, io.Reader, bool) {
	if p.inputWriter == nil || p.outputReader == nil {
		return nil, nil, false
	}
	return p.inputWriter, p.outputReader, true
}

// close closes the host-side ends. Safe to call multiple times.
func (p *consolePipes) close() error {
	var errs []error

	if p.inputWriter != nil {
		if err := p.inputWriter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input pipe: %w", err))
		}
		p.inputWriter = nil
	}

	if p.outputReader != nil {
		if err := p.outputReader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output pipe: %w", err))
		}
		p.outputReader = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close console: %w", errors.Join(errs...))
	}
	return nil
}
