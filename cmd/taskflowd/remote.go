package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	flowengine "github.com/c360/taskflow/engine"
	"github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/flow"
)

// remoteTimeout bounds a control request waiting for the worker
const remoteTimeout = 5 * time.Second

// Control operations accepted on <prefix>.control
const (
	opPause  = "pause"
	opResume = "resume"
	opStop   = "stop"
	opBusy   = "busy"
)

// controlRequest is the body of a <prefix>.control request
type controlRequest struct {
	Op   string `json:"op"   validate:"required,oneof=pause resume stop busy"`
	Busy int    `json:"busy" validate:"min=0,max=2"`
}

// remoteReply answers flow.set and control requests
type remoteReply struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Class  string `json:"class,omitempty"`
}

var requestValidator = validator.New()

// serveRemote exposes the engine control surface as NATS request/reply
// subjects under the bus subject prefix:
//
//	<prefix>.flow.set  flow document in, remoteReply out
//	<prefix>.flow.get  active flow document out, sensitive params stripped
//	<prefix>.info.get  engine info out
//	<prefix>.control   controlRequest in, remoteReply out
func (d *daemon) serveRemote(ctx context.Context) error {
	handlers := []struct {
		name string
		fn   func(context.Context, []byte) []byte
	}{
		{"flow.set", d.handleFlowSet},
		{"flow.get", d.handleFlowGet},
		{"info.get", d.handleInfoGet},
		{"control", d.handleControl},
	}
	for _, h := range handlers {
		sub, err := d.nats.Reply(ctx, d.subject(h.name), h.fn)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.name, err)
		}
		d.remoteSubs = append(d.remoteSubs, sub)
	}
	d.logger.Info("remote control ready", "prefix", d.cfg.Bus.SubjectPrefix)
	return nil
}

func (d *daemon) reply(err error) []byte {
	r := remoteReply{OK: err == nil, Status: d.engine.Status().String()}
	if err != nil {
		r.Error = err.Error()
		r.Class = errors.Classify(err).String()
	}
	data, mErr := json.Marshal(r)
	if mErr != nil {
		d.logger.Error("encode reply", "error", mErr)
		return nil
	}
	return data
}

func (d *daemon) handleFlowSet(ctx context.Context, data []byte) []byte {
	err := d.submit(ctx, data)
	if err != nil {
		d.logger.Warn("remote flow rejected", "bytes", len(data),
			"class", errors.Classify(err).String(), "error", err)
	} else {
		d.logger.Info("remote flow queued", "bytes", len(data))
	}
	return d.reply(err)
}

func (d *daemon) handleFlowGet(_ context.Context, _ []byte) []byte {
	doc := d.engine.FlowJSON()
	if doc == nil {
		return []byte("null")
	}
	simplified, err := flow.Simplify(doc)
	if err != nil {
		d.logger.Error("simplify active flow", "error", err)
		return []byte("null")
	}
	return simplified
}

func (d *daemon) handleInfoGet(_ context.Context, _ []byte) []byte {
	data, err := json.Marshal(d.engine.Info())
	if err != nil {
		d.logger.Error("encode info", "error", err)
		return nil
	}
	return data
}

func (d *daemon) handleControl(ctx context.Context, data []byte) []byte {
	var req controlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return d.reply(errors.WrapInvalid(err, "daemon", "handleControl", "decode request"))
	}
	if err := requestValidator.Struct(req); err != nil {
		return d.reply(errors.WrapInvalid(err, "daemon", "handleControl", "validate request"))
	}

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	var err error
	switch req.Op {
	case opPause:
		err = d.engine.PauseBlock(ctx, remoteTimeout)
	case opResume:
		err = d.engine.Resume(ctx)
	case opStop:
		err = d.engine.Stop(ctx)
	case opBusy:
		err = d.engine.SetBusy(ctx, flowengine.Busy(req.Busy))
	}
	if err != nil {
		d.logger.Warn("remote control failed", "op", req.Op, "error", err)
	} else {
		d.logger.Info("remote control applied", "op", req.Op)
	}
	return d.reply(err)
}
