package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/parse"
)

type messagesResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

type webInfo struct {
	Name       string  `json:"name"`
	Layout     string  `json:"layout"`
	Enabled    bool    `json:"enabled"`
	Nodes      int     `json:"nodes"`
	Resolution float64 `json:"resolution"`
	Summary    string  `json:"summary"`
}

type siteInfo struct {
	SCNL      string  `json:"scnl"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
	Quality   float64 `json:"quality"`
	Enabled   bool    `json:"enabled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"status": "ok", "engine": st}
	if !st.Healthy {
		body["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}

// handleAPIMessages accepts newline separated input messages. The format query
// parameter selects json, gpick or cc; the default detects per line.
func (s *Server) handleAPIMessages(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	res := messagesResult{}

	var runID int64
	if s.store != nil {
		run, err := s.store.StartInputRun("http", format)
		if err != nil {
			s.logger.Warn().Err(err).Msg("start input run failed")
		} else {
			runID = run.ID
			defer func() {
				run.LinesRead = int64(res.Accepted + res.Rejected)
				run.Accepted, run.Rejected = int64(res.Accepted), int64(res.Rejected)
				run.Success = res.Rejected == 0
				if err := s.store.CompleteInputRun(run); err != nil {
					s.logger.Warn().Err(err).Msg("complete input run failed")
				}
			}()
		}
	}

	sc := bufio.NewScanner(http.MaxBytesReader(w, r.Body, maxBody))
	sc.Buffer(make([]byte, 64*1024), maxBody)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := s.submit(r, runID, format, line); err != nil {
			res.Rejected++
			if len(res.Errors) < 20 {
				res.Errors = append(res.Errors, err.Error())
			}
			continue
		}
		res.Accepted++
	}
	if err := sc.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Accepted == 0 && res.Rejected > 0 {
		w.WriteHeader(http.StatusBadRequest)
	}
	json.NewEncoder(w).Encode(res)
}

func (s *Server) submit(r *http.Request, runID int64, format, line string) error {
	msg, err := parse.Line(format, line)
	if err != nil {
		return err
	}
	if s.store != nil {
		if _, err := s.store.StoreRawMessage(runID, msg.Kind.String(), []byte(line)); err != nil {
			s.logger.Warn().Err(err).Msg("archive message failed")
		}
	}
	if s.engine.Status().Running {
		return s.engine.Submit(r.Context(), msg)
	}
	return s.engine.Step(msg)
}

func (s *Server) handleAPIHypos(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Hypos().Summaries())
}

func (s *Server) handleAPIHypo(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.engine.Hypos().Event(r.PathValue("id"))
	if !ok {
		http.Error(w, "hypo not found", http.StatusNotFound)
		return
	}
	data, err := parse.EncodeEvent(ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "event store disabled", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	from, err := floatParam(q.Get("from"), 0)
	if err != nil {
		http.Error(w, "bad from: "+err.Error(), http.StatusBadRequest)
		return
	}
	to, err := floatParam(q.Get("to"), math.MaxFloat64)
	if err != nil {
		http.Error(w, "bad to: "+err.Error(), http.StatusBadRequest)
		return
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
	}

	events, err := s.store.GetEvents(from, to, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]models.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Event)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleAPISites(w http.ResponseWriter, r *http.Request) {
	all := s.engine.Sites().All()
	out := make([]siteInfo, 0, len(all))
	for _, st := range all {
		out = append(out, siteInfo{
			SCNL:      st.SCNL(),
			Latitude:  st.Latitude,
			Longitude: st.Longitude,
			Elevation: st.Elevation,
			Quality:   st.Quality,
			Enabled:   st.Enable,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleAPIWebs(w http.ResponseWriter, r *http.Request) {
	webs := s.engine.Webs().All()
	out := make([]webInfo, 0, len(webs))
	for _, wb := range webs {
		cfg := wb.Config()
		out = append(out, webInfo{
			Name:       wb.Name(),
			Layout:     cfg.Layout,
			Enabled:    wb.Enabled(),
			Nodes:      len(wb.Nodes()),
			Resolution: wb.Resolution(),
			Summary:    wb.Describe(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func floatParam(raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) {
		return 0, errors.New("NaN")
	}
	return v, nil
}
