package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/eddielth/scada-core/errs"
	"github.com/eddielth/scada-core/historian"
	"github.com/eddielth/scada-core/point"
	"github.com/eddielth/scada-core/validator"
)

// number accepts a JSON number, a numeric string or a boolean.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true":
		*n = 1
		return nil
	case "false":
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("value %q is not a number", s)
		}
		*n = number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = number(v)
	return nil
}

func invalid(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.Invalid("api", op, "%v", err)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	resp := map[string]interface{}{
		"status":       "ok",
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"points":       stats.Points,
		"activeAlarms": stats.ActiveAlarms,
		"historian":    s.historian != nil,
	}
	if s.hub != nil {
		resp["clients"] = s.hub.Clients()
		resp["cursor"] = s.hub.Cursor()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Read(r.Context()))
}

type writeRequest struct {
	Tag   string  `json:"tag"`
	Value *number `json:"value"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decode(w, r, "write", &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validator.ValidateAll(&req,
		&validator.RequiredValidator{Field: "Tag", Name: "tag"},
		&validator.RequiredValidator{Field: "Value", Name: "value"},
	); err != nil {
		writeError(w, invalid("write", err))
		return
	}

	res, err := s.engine.Write(r.Context(), req.Tag, float64(*req.Value))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"tag":     res.Tag,
		"value":   res.Value,
		"changed": res.Changed,
	})
}

func (s *Server) handlePLCWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decode(w, r, "plc_write", &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validator.ValidateAll(&req,
		&validator.RequiredValidator{Field: "Tag", Name: "tag"},
		&validator.RequiredValidator{Field: "Value", Name: "value"},
	); err != nil {
		writeError(w, invalid("plc_write", err))
		return
	}

	p, err := s.engine.ControllerWrite(r.Context(), req.Tag, float64(*req.Value))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"tag":   req.Tag,
		"value": p.Value,
	})
}

func (s *Server) handleReadPLC(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.ControllerImage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type touchRequest struct {
	Loc string `json:"loc"`
	Tag string `json:"tag"`
}

func (s *Server) handlePLCTouch(w http.ResponseWriter, r *http.Request) {
	var req touchRequest
	if err := decode(w, r, "plc_touch", &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validator.ValidateAll(&req,
		&validator.RequiredValidator{Field: "Loc", Name: "loc"},
		&validator.RequiredValidator{Field: "Tag", Name: "tag"},
	); err != nil {
		writeError(w, invalid("plc_touch", err))
		return
	}

	p, err := s.engine.TouchController(r.Context(), req.Loc, req.Tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "ts": p.TS})
}

type overrideRequest struct {
	Loc   string  `json:"loc"`
	Tag   string  `json:"tag"`
	MO    *bool   `json:"mo_i"`
	Value *number `json:"value"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decode(w, r, "override", &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validator.ValidateAll(&req,
		&validator.RequiredValidator{Field: "Loc", Name: "loc"},
		&validator.RequiredValidator{Field: "Tag", Name: "tag"},
		&validator.RequiredValidator{Field: "MO", Name: "mo_i"},
	); err != nil {
		writeError(w, invalid("override", err))
		return
	}

	var value *float64
	if req.Value != nil {
		v := float64(*req.Value)
		value = &v
	}
	p, err := s.engine.Override(r.Context(), req.Loc, req.Tag, *req.MO, value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"point": map[string]interface{}{
			"loc":   p.Loc,
			"tag":   p.Tag,
			"mo_i":  p.MO,
			"value": p.Value,
		},
	})
}

type settingsRequest struct {
	Loc string `json:"loc"`
	Tag string `json:"tag"`
	point.Limits
}

func (s *Server) handleAISettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decode(w, r, "ai_settings", &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validator.ValidateAll(&req,
		&validator.RequiredValidator{Field: "Loc", Name: "loc"},
		&validator.RequiredValidator{Field: "Tag", Name: "tag"},
	); err != nil {
		writeError(w, invalid("ai_settings", err))
		return
	}

	p, err := s.engine.UpdateLimits(r.Context(), req.Loc, req.Tag, req.Limits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"loc":   p.Loc,
		"tag":   p.Tag,
		"point": p,
	})
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Alarms())
}

type ackRequest struct {
	Tag string `json:"tag"`
	Loc string `json:"loc"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decode(w, r, "ack", &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validator.ValidateAll(&req, &validator.RequiredValidator{Field: "Tag", Name: "tag"}); err != nil {
		writeError(w, invalid("ack", err))
		return
	}

	res, err := s.engine.Acknowledge(r.Context(), req.Loc, req.Tag)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Already {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"skipped": true,
			"message": "Already acknowledged",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"tag":     req.Tag,
		"removed": res.Removed,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Events())
}

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearEvents(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "cleared": true})
}

type trendParams struct {
	Point string
	Agg   string
}

// millis parses a ms epoch query value; anything else is unset.
func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := trendParams{Point: q.Get("point"), Agg: q.Get("agg")}
	checks := []validator.Validator{&validator.RequiredValidator{Field: "Point", Name: "point"}}
	if params.Agg != "" {
		checks = append(checks, &validator.OneOfValidator{Field: "Agg", Values: []string{"raw", "avg", "min", "max"}})
	}
	if err := validator.ValidateAll(&params, checks...); err != nil {
		writeError(w, invalid("trend", err))
		return
	}

	tr, err := s.historian.Trend(r.Context(), historian.TrendQuery{
		Point: params.Point,
		From:  millis(q.Get("from")),
		To:    millis(q.Get("to")),
		Agg:   params.Agg,
		Step:  q.Get("step"),
	}, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.historian.History(r.Context(), r.URL.Query().Get("source"), s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}
