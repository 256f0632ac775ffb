package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/bootmon/internal/config"
	"github.com/tinyrange/bootmon/internal/firmware"
)

// readImage loads a raw guest image. With progress set a byte counter is
// drawn on stderr while the file is read.
func readImage(path, title string, progress bool) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", title, err)
	}
	defer f.Close()

	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}

	var w io.Writer = &buf
	if progress {
		bar := progressbar.DefaultBytes(size, "reading "+title)
		defer bar.Close()

		w = io.MultiWriter(&buf, bar)
	}

	if _, err := io.Copy(w, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", title, err)
	}

	return buf.Bytes(), nil
}

// loadImages returns the firmware and program bytes described by cfg.
func loadImages(cfg config.Config, progress bool) (fw, program []byte, err error) {
	switch {
	case cfg.Firmware.Path != "":
		fw, err = readImage(cfg.Firmware.Path, "firmware", progress)
	case cfg.Firmware.SelfInstall:
		fw, err = firmware.SelfInstall(cfg.Firmware.Banner)
	default:
		fw, err = firmware.Boot(cfg.Firmware.Banner)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("firmware: %w", err)
	}

	if cfg.Program.Path != "" {
		program, err = readImage(cfg.Program.Path, "program", progress)
	} else {
		program, err = firmware.BuiltinProgram(cfg.Program.Builtin)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("program: %w", err)
	}

	return fw, program, nil
}
