// Package control implements the control-plane inputs named by spec.md
// §6: pause(), resume(), retake(fov_list), abort(), proceed(). Commands
// arrive as MQTT messages and are dispatched to callbacks the
// Acquisition Worker supplies, grounded on the teacher's
// References/orion-prototipe/internal/control/handler.go Command/
// Response/CommandCallbacks shape, trimmed to this core's five verbs.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Command is one control-plane message.
type Command struct {
	Command string   `json:"command"`
	FOVs    []FOVRef `json:"fovs,omitempty"`
}

// FOVRef is the wire shape of a types.FOVID.
type FOVRef struct {
	RegionID string `json:"region_id"`
	FOVIndex int    `json:"fov_index"`
}

func (f FOVRef) toFOVID() types.FOVID {
	return types.FOVID{RegionID: f.RegionID, FOVIndex: f.FOVIndex}
}

// Response is the acknowledgement published back to the events topic.
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Callbacks are the Worker operations the five control-plane verbs
// invoke. Any nil callback makes its command respond with an error
// rather than panicking.
type Callbacks struct {
	OnPause   func() (accepted bool)
	OnResume  func() (accepted bool)
	OnRetake  func(fovs []types.FOVID) (accepted bool)
	OnAbort   func() (accepted, abortWholeRun bool)
	OnProceed func() (accepted bool)
}

// Handler subscribes to an MQTT control topic and dispatches incoming
// Commands to Callbacks, the same subscribe/queue/process split as the
// teacher's Handler.Start/processCommands.
type Handler struct {
	client mqtt.Client
	topic  string
	qos    byte

	respTopic string
	respQoS   byte

	commands  chan Command
	callbacks Callbacks

	mu sync.RWMutex
}

// NewHandler constructs a Handler bound to client. cmdTopic/cmdQoS name
// where commands arrive; respTopic/respQoS name where acknowledgements
// are published.
func NewHandler(client mqtt.Client, cmdTopic string, cmdQoS byte, respTopic string, respQoS byte, callbacks Callbacks) *Handler {
	return &Handler{
		client:    client,
		topic:     cmdTopic,
		qos:       cmdQoS,
		respTopic: respTopic,
		respQoS:   respQoS,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and begins processing commands
// on its own goroutine.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("subscribing to control plane", "topic", h.topic, "qos", h.qos)

	token := h.client.Subscribe(h.topic, h.qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")
	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes and closes the command queue. Not idempotent: a
// second call panics on close of a closed channel, same as the
// teacher's Handler.Stop.
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.topic)
		token.Wait()
	}
	close(h.commands)
	slog.Info("control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("control command received", "command", cmd.Command)
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "pause":
		if h.callbacks.OnPause != nil {
			resp.Status = acceptedStatus(h.callbacks.OnPause())
		}
	case "resume":
		if h.callbacks.OnResume != nil {
			resp.Status = acceptedStatus(h.callbacks.OnResume())
		}
	case "retake":
		if h.callbacks.OnRetake == nil {
			resp.Status, resp.Error = "error", "retake not implemented"
		} else {
			fovs := make([]types.FOVID, 0, len(cmd.FOVs))
			for _, f := range cmd.FOVs {
				fovs = append(fovs, f.toFOVID())
			}
			resp.Status = acceptedStatus(h.callbacks.OnRetake(fovs))
		}
	case "abort":
		if h.callbacks.OnAbort == nil {
			resp.Status, resp.Error = "error", "abort not implemented"
		} else {
			accepted, wholeRun := h.callbacks.OnAbort()
			resp.Status = acceptedStatus(accepted)
			if accepted {
				resp.Error = fmt.Sprintf("abort_whole_run=%v", wholeRun)
			}
		}
	case "proceed":
		if h.callbacks.OnProceed != nil {
			resp.Status = acceptedStatus(h.callbacks.OnProceed())
		}
	default:
		resp.Status, resp.Error = "error", fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	if resp.Status == "" {
		resp.Status, resp.Error = "error", fmt.Sprintf("%s not implemented", cmd.Command)
	}
	h.sendResponse(resp)
}

func acceptedStatus(accepted bool) string {
	if accepted {
		return "success"
	}
	return "rejected"
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.respTopic, h.respQoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
	}
}
