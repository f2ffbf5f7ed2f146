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

package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// reply is the common envelope of every daemon reply
type reply struct {
	ReturnValue bool   `json:"returnValue"`
	ErrorText   string `json:"errorText,omitempty"`
}

func post(path string, req any) (*http.Response, error) {
	if req == nil {
		req = struct{}{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(address, "/") + path
	log.Debugf("POST %s %s", url, body)
	return httpClient.Post(url, "application/json", bytes.NewReader(body))
}

// call posts req to path and decodes the reply into out
func call(path string, req any, out any) error {
	resp, err := post(path, req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("decoding %s reply: %w", path, err)
	}
	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decoding %s reply: %w", path, err)
	}
	if dump {
		spew.Dump(r)
	}
	if !r.ReturnValue {
		return fmt.Errorf("%s: %s", path, r.ErrorText)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s reply: %w", path, err)
	}
	if dump {
		spew.Dump(out)
	}
	return nil
}

// follow posts req to a streaming path and calls fn for every line until it fails or the stream ends
func follow(path string, req any, fn func(line []byte) error) error {
	// streams stay open until the daemon goes away
	httpClient.Timeout = 0
	resp, err := post(path, req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
