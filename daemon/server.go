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

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shirou/gopsutil/host"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/broadcast"
	"github.com/facebook/timeprefs/nitz"
)

var validate = validator.New()

// badRequest marks errors caused by the request body
type badRequest struct {
	err error
}

func (e *badRequest) Error() string {
	return e.err.Error()
}

func (e *badRequest) Unwrap() error {
	return e.err
}

// SetSystemTimeRequest sets the system clock
type SetSystemTimeRequest struct {
	UTC       int64                `json:"utc" validate:"required,gt=0"`
	Timestamp *broadcast.Timestamp `json:"timestamp,omitempty"`
	Source    string               `json:"source,omitempty" validate:"omitempty,max=64"`
}

// SetBroadcastTimeRequest stores a broadcast sample
type SetBroadcastTimeRequest struct {
	UTC       int64                `json:"utc" validate:"required"`
	Local     int64                `json:"local" validate:"required"`
	Timestamp *broadcast.Timestamp `json:"timestamp,omitempty"`
}

// SubscribeRequest asks for pushes after the first reply
type SubscribeRequest struct {
	Subscribe bool `json:"subscribe"`
}

// SetTimeWithNTPRequest names who asked for the synchronisation
type SetTimeWithNTPRequest struct {
	Source string `json:"source,omitempty" validate:"omitempty,max=64"`
}

// LocaleRequest selects a zone by locale
type LocaleRequest struct {
	Locale string `json:"locale" validate:"required"`
}

// ConvertDateRequest reinterprets a wall time in another zone
type ConvertDateRequest struct {
	Date   string `json:"date" validate:"required"`
	Source string `json:"source" validate:"required"`
	Dest   string `json:"dest" validate:"required"`
}

// RulesRequest asks for the DST rules of a zone
type RulesRequest struct {
	TZ    string `json:"tz" validate:"required"`
	Years []int  `json:"years,omitempty" validate:"dive,gte=1970,lte=2100"`
}

// ListRequest lists zones
type ListRequest struct {
	Generic bool `json:"generic"`
}

// GetPreferencesRequest reads preferences, streaming later changes of keys when subscribed
type GetPreferencesRequest struct {
	Keys      []string `json:"keys" validate:"required,min=1"`
	Subscribe bool     `json:"subscribe"`
}

// SetPreferencesRequest writes preferences
type SetPreferencesRequest struct {
	Values map[string]json.RawMessage `json:"values" validate:"required,min=1"`
}

type empty struct{}

// Server is the request surface of the orchestrator
type Server struct {
	o      *Orchestrator
	router chi.Router
}

// NewServer routes requests to o
func NewServer(o *Orchestrator) *Server {
	s := &Server{o: o}
	r := chi.NewRouter()
	r.Use(s.count)
	r.Route("/time", func(r chi.Router) {
		r.Post("/getSystemTime", handle(s, s.getSystemTime))
		r.Post("/setSystemTime", handle(s, s.setSystemTime))
		r.Post("/setSystemNetworkTime", handle(s, s.setSystemNetworkTime))
		r.Post("/setBroadcastTime", handle(s, s.setBroadcastTime))
		r.Post("/getBroadcastTime", handle(s, s.getBroadcastTime))
		r.Post("/getEffectiveBroadcastTime", s.getEffectiveBroadcastTime)
		r.Post("/getNTPTime", handle(s, s.getNTPTime))
		r.Post("/setTimeWithNTP", handle(s, s.setTimeWithNTP))
		r.Post("/getSystemTimezoneFile", handle(s, s.getSystemTimezoneFile))
		r.Post("/getCurrentTimeZoneByLocale", handle(s, s.getCurrentTimeZoneByLocale))
		r.Post("/convertDate", handle(s, s.convertDate))
		r.Post("/getSystemUptime", handle(s, s.getSystemUptime))
		r.Post("/setTimeChangeLaunch", handle(s, s.setTimeChangeLaunch))
		r.Post("/launchTimeChangeApps", handle(s, s.launchTimeChangeApps))
		r.Post("/getTimeSources", handle(s, s.getTimeSources))
		r.Post("/subscribe", s.subscribe)
	})
	r.Route("/timezone", func(r chi.Router) {
		r.Post("/getTimeZoneRules", handle(s, s.getTimeZoneRules))
		r.Post("/list", handle(s, s.list))
	})
	r.Route("/preferences", func(r chi.Router) {
		r.Post("/get", s.getPreferences)
		r.Post("/set", handle(s, s.setPreferences))
	})
	s.router = r
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves requests on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Infof("serving requests on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("request listener: %w", err)
	}
	return nil
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.o.stats.UpdateCounterBy(CounterRequests, 1)
		log.Debugf("request %s", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// decode reads an optional JSON body into T and validates it
func decode[T any](r *http.Request) (*T, error) {
	req := new(T)
	err := json.NewDecoder(r.Body).Decode(req)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &badRequest{fmt.Errorf("malformed request: %w", err)}
	}
	if err := validate.Struct(req); err != nil {
		return nil, &badRequest{err}
	}
	return req, nil
}

// handle decodes T, calls fn and writes its result with returnValue set
func handle[T any](s *Server, fn func(ctx context.Context, req *T) (map[string]any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode[T](r)
		var res map[string]any
		if err == nil {
			res, err = fn(r.Context(), req)
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		if res == nil {
			res = map[string]any{}
		}
		res["returnValue"] = true
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.o.stats.UpdateCounterBy(CounterRequestErrors, 1)
	status := http.StatusOK
	var br *badRequest
	if errors.As(err, &br) {
		status = http.StatusBadRequest
	}
	log.Debugf("request failed: %v", err)
	writeJSON(w, status, map[string]any{"returnValue": false, "errorText": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// onLoop runs fn on the orchestrator loop
func (s *Server) onLoop(ctx context.Context, fn func() (map[string]any, error)) (map[string]any, error) {
	var res map[string]any
	var err error
	if derr := s.o.Do(ctx, func() { res, err = fn() }); derr != nil {
		return nil, derr
	}
	return res, err
}

// fields flattens v into a reply map
func fields(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	m := map[string]any{}
	_ = json.Unmarshal(b, &m)
	return m
}

func (s *Server) getSystemTime(ctx context.Context, _ *empty) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		return fields(s.o.SystemTime()), nil
	})
}

func (s *Server) setSystemTime(ctx context.Context, req *SetSystemTimeRequest) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		applied, err := s.o.SetSystemTime(req.UTC, req.Timestamp, req.Source)
		if err != nil {
			return nil, err
		}
		return map[string]any{"applied": applied}, nil
	})
}

func (s *Server) setSystemNetworkTime(ctx context.Context, req *nitz.Message) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		return nil, s.o.HandleNITZ(req)
	})
}

func (s *Server) setBroadcastTime(ctx context.Context, req *SetBroadcastTimeRequest) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		return nil, s.o.SetBroadcastTime(req.UTC, req.Local, req.Timestamp)
	})
}

func (s *Server) getBroadcastTime(ctx context.Context, _ *empty) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		utc, local, err := s.o.BroadcastTime()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"utc":       utc,
			"local":     local,
			"localtime": localTime(time.Unix(local, 0).UTC()),
		}, nil
	})
}

func (s *Server) getNTPTime(ctx context.Context, _ *empty) (map[string]any, error) {
	res, err := s.o.QueryNTP(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"utc":    res.Time.Unix(),
		"server": res.Server,
		"offset": res.Offset.Seconds(),
		"delay":  res.Delay.Seconds(),
	}, nil
}

func (s *Server) setTimeWithNTP(ctx context.Context, req *SetTimeWithNTPRequest) (map[string]any, error) {
	source := req.Source
	if source == "" {
		source = "request"
	}
	res, applied, err := s.o.SyncNTP(ctx, source)
	if err != nil {
		return nil, err
	}
	return map[string]any{"utc": res.Time.Unix(), "applied": applied}, nil
}

func (s *Server) getSystemTimezoneFile(ctx context.Context, _ *empty) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		return map[string]any{"timeZoneFile": s.o.ZoneFile()}, nil
	})
}

func (s *Server) getCurrentTimeZoneByLocale(_ context.Context, req *LocaleRequest) (map[string]any, error) {
	z := s.o.DB().ByLocale(req.Locale)
	if z == nil {
		return nil, fmt.Errorf("no time zone for locale %q", req.Locale)
	}
	return map[string]any{"timeZone": z}, nil
}

func (s *Server) convertDate(_ context.Context, req *ConvertDateRequest) (map[string]any, error) {
	date, err := s.o.DB().ConvertDate(req.Date, req.Source, req.Dest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"date": date}, nil
}

func (s *Server) getSystemUptime(_ context.Context, _ *empty) (map[string]any, error) {
	uptime, err := host.Uptime()
	if err != nil {
		return nil, fmt.Errorf("reading uptime: %w", err)
	}
	boot, err := host.BootTime()
	if err != nil {
		return nil, fmt.Errorf("reading boot time: %w", err)
	}
	return map[string]any{"uptime": uptime, "bootTime": boot}, nil
}

func (s *Server) setTimeChangeLaunch(ctx context.Context, req *LaunchEntry) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		return nil, s.o.SetTimeChangeLaunch(*req)
	})
}

func (s *Server) launchTimeChangeApps(ctx context.Context, _ *empty) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		return map[string]any{"launched": s.o.LaunchTimeChangeApps()}, nil
	})
}

func (s *Server) getTimeSources(ctx context.Context, _ *empty) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		return map[string]any{"sources": s.o.TimeSources()}, nil
	})
}

func (s *Server) getTimeZoneRules(ctx context.Context, req *RulesRequest) (map[string]any, error) {
	years := req.Years
	if len(years) == 0 {
		var now time.Time
		if err := s.o.Do(ctx, func() { now = s.o.clock.Now() }); err != nil {
			return nil, err
		}
		years = []int{now.Year()}
	}
	rules, err := s.o.DB().Rules(req.TZ, years)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tz": req.TZ, "rules": rules}, nil
}

func (s *Server) list(ctx context.Context, req *ListRequest) (map[string]any, error) {
	zones := s.o.DB().Zones()
	if req.Generic {
		zones = s.o.DB().Generic()
	}
	return s.onLoop(ctx, func() (map[string]any, error) {
		return map[string]any{"timeZones": zones, "current": s.o.Zone()}, nil
	})
}

// getPreferences replies once, or streams changes of the requested keys when subscribed
func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	req, err := decode[GetPreferencesRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var values map[string]json.RawMessage
	if derr := s.o.Do(r.Context(), func() { values, err = s.o.Preferences(req.Keys) }); derr != nil {
		err = derr
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if !req.Subscribe {
		writeJSON(w, http.StatusOK, map[string]any{"returnValue": true, "subscribed": false, "values": values})
		return
	}
	wanted := map[string]bool{}
	for _, k := range req.Keys {
		wanted[k] = true
	}
	current := func() any {
		v, _ := s.o.Preferences(req.Keys)
		return PreferenceValues{Values: v}
	}
	keep := func(v any) (any, bool) {
		pv, ok := v.(PreferenceValues)
		if !ok {
			return nil, false
		}
		out := PreferenceValues{Values: map[string]json.RawMessage{}}
		for k, val := range pv.Values {
			if wanted[k] {
				out.Values[k] = val
			}
		}
		return out, len(out.Values) > 0
	}
	s.stream(w, r, s.o.SubscribePreferences, current, keep)
}

func (s *Server) setPreferences(ctx context.Context, req *SetPreferencesRequest) (map[string]any, error) {
	return s.onLoop(ctx, func() (map[string]any, error) {
		return nil, s.o.SetPreferences(req.Values)
	})
}

// getEffectiveBroadcastTime replies once, or streams pushes when subscribed
func (s *Server) getEffectiveBroadcastTime(w http.ResponseWriter, r *http.Request) {
	req, err := decode[SubscribeRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !req.Subscribe {
		var res EffectiveReply
		if err := s.o.Do(r.Context(), func() { res = s.o.EffectiveReply() }); err != nil {
			s.fail(w, err)
			return
		}
		reply := fields(res)
		reply["returnValue"] = true
		reply["subscribed"] = false
		writeJSON(w, http.StatusOK, reply)
		return
	}
	s.stream(w, r, s.o.SubscribeEffective, func() any { return s.o.EffectiveReply() }, nil)
}

// subscribe streams system time pushes
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, s.o.Subscribe, func() any { return s.o.SystemTime() }, nil)
}

// stream writes the current value followed by every push as newline delimited JSON.
// A non-nil keep filters and reshapes pushes.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, sub func() (<-chan any, func()), current func() any, keep func(any) (any, bool)) {
	ch, cancel := sub()
	defer cancel()
	var first any
	if err := s.o.Do(r.Context(), func() { first = current() }); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	enc := json.NewEncoder(w)
	write := func(v any) bool {
		if err := enc.Encode(v); err != nil {
			log.Debugf("subscriber went away: %v", err)
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}
	if !write(first) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if keep != nil {
				if v, ok = keep(v); !ok {
					continue
				}
			}
			if !write(v) {
				return
			}
		}
	}
}
