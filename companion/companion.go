/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package companion reads time kept by the companion microcontroller over a serial line.
package companion

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	cmdGetTime string = "{time?}"
	ansError   string = "[!"
)

// DefaultBaudRate of the companion serial line
const DefaultBaudRate = 57600

// ErrNoTime is returned when the companion clock has no time to report
var ErrNoTime = errors.New("companion clock has no time")

// Reader talks to the companion clock
type Reader struct {
	device string
	port   io.ReadWriteCloser
}

// Open opens the serial device
func Open(device string, baud int) (*Reader, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	return &Reader{device: device, port: port}, nil
}

// NewReader wraps an already open line
func NewReader(device string, port io.ReadWriteCloser) *Reader {
	return &Reader{device: device, port: port}
}

// Device returns the device path
func (r *Reader) Device() string {
	return r.device
}

// Close closes the serial port
func (r *Reader) Close() error {
	return r.port.Close()
}

// ReadTime asks for the current companion time
func (r *Reader) ReadTime() (time.Time, error) {
	if _, err := r.port.Write([]byte(cmdGetTime)); err != nil {
		return time.Time{}, err
	}
	res, err := r.readResult()
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(res)
}

func (r *Reader) readResult() (string, error) {
	var n int
	buff := make([]byte, 128)
	for n < len(buff) {
		m, err := r.port.Read(buff[n:])
		n += m
		if n >= 2 && bytes.Equal(buff[n-2:n], []byte("\r\n")) {
			return string(buff[:n-2]), nil
		}
		if err != nil {
			return "", err
		}
		if m == 0 {
			break
		}
	}
	return "", fmt.Errorf("unterminated answer %q", buff[:n])
}

// parseTime parses answers like [=1709294400]
func parseTime(res string) (time.Time, error) {
	if strings.HasPrefix(res, ansError) {
		return time.Time{}, ErrNoTime
	}
	var epoch int64
	var rest string
	n, _ := fmt.Sscanf(res, "[=%d%s", &epoch, &rest)
	if n != 2 || rest != "]" {
		return time.Time{}, fmt.Errorf("wrong time format: %s", res)
	}
	if epoch <= 0 {
		return time.Time{}, ErrNoTime
	}
	return time.Unix(epoch, 0), nil
}
