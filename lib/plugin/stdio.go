package plugin

import (
	"errors"
	"io"
	"os"
)

type stdio struct {
	in  *os.File
	out *os.File
}

// Stdio returns the process's standard input and output as one stream.
// Core launches plugins with their stdio wired to the plugin channel.
func Stdio() io.ReadWriteCloser {
	return &stdio{in: os.Stdin, out: os.Stdout}
}

func (s *stdio) Read(p []byte) (int, error) {
	return s.in.Read(p)
}

func (s *stdio) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *stdio) Close() error {
	return errors.Join(s.in.Close(), s.out.Close())
}
