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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func withDaemon(t *testing.T, h http.HandlerFunc) {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	old := address
	address = srv.URL
	t.Cleanup(func() { address = old })
}

func TestCallDecodesReply(t *testing.T) {
	withDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/time/convertDate", r.URL.Path)
		req := map[string]string{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "America/Los_Angeles", req["source"])
		fmt.Fprint(w, `{"returnValue":true,"date":"2012-03-11 05:00:00"}`)
	})
	var res struct {
		Date string `json:"date"`
	}
	err := call("/time/convertDate", map[string]string{"source": "America/Los_Angeles"}, &res)
	require.NoError(t, err)
	require.Equal(t, "2012-03-11 05:00:00", res.Date)
}

func TestCallReturnsErrorText(t *testing.T) {
	withDaemon(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"returnValue":false,"errorText":"No information available"}`)
	})
	err := call("/time/getBroadcastTime", nil, nil)
	require.ErrorContains(t, err, "No information available")
}

func TestFollowReadsEveryLine(t *testing.T) {
	withDaemon(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "{\"utc\":1}\n{\"utc\":2}\n")
	})
	var got []int64
	err := follow("/time/subscribe", nil, func(line []byte) error {
		var v struct {
			UTC int64 `json:"utc"`
		}
		if err := json.Unmarshal(line, &v); err != nil {
			return err
		}
		got = append(got, v.UTC)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, got)
}

func TestPrefValue(t *testing.T) {
	require.Equal(t, json.RawMessage(`true`), prefValue("true"))
	require.Equal(t, json.RawMessage(`{"ZoneID":"Europe/Paris"}`), prefValue(`{"ZoneID":"Europe/Paris"}`))
	require.Equal(t, json.RawMessage(`"HH24"`), prefValue("HH24"))
}

func TestOffsetString(t *testing.T) {
	require.Equal(t, "+05:30", offsetString(330))
	require.Equal(t, "-08:00", offsetString(-480))
	require.Equal(t, "+00:00", offsetString(0))
}
