package openaihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	log "github.com/sirupsen/logrus"

	"github.com/bwwq/atxp2"
	"github.com/bwwq/atxp2/backend"
	"github.com/bwwq/atxp2/openaiapi"
)

// compatConfig 与 compatHandler 的依赖可注入，便于单测。
type compatConfig struct {
	Now               func() time.Time
	NewChatCompletion func() string
	WriteJSON         func(w http.ResponseWriter, status int, v any)
	WriteOpenAIError  func(w http.ResponseWriter, status int, message string)
	Relay             *relayCore
}

type compatHandler struct {
	now               func() time.Time
	newChatCompletion func() string
	writeJSON         func(w http.ResponseWriter, status int, v any)
	writeOpenAIError  func(w http.ResponseWriter, status int, message string)
	relay             *relayCore
}

func newCompatHandler(cfg compatConfig) (*compatHandler, error) {
	if cfg.Relay == nil {
		return nil, fmt.Errorf("Relay is required")
	}
	h := &compatHandler{
		now:               cfg.Now,
		newChatCompletion: cfg.NewChatCompletion,
		writeJSON:         cfg.WriteJSON,
		writeOpenAIError:  cfg.WriteOpenAIError,
		relay:             cfg.Relay,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.newChatCompletion == nil {
		h.newChatCompletion = openaiapi.NewChatCompletionID
	}
	if h.writeJSON == nil {
		h.writeJSON = writeJSON
	}
	if h.writeOpenAIError == nil {
		h.writeOpenAIError = writeOpenAIError
	}
	return h, nil
}

// handleModels 返回静态模型清单，不触碰账号池。
func (h *compatHandler) handleModels(w http.ResponseWriter, r *http.Request) {
	created := h.now().Unix()
	presets := atxp2.PresetModels()
	models := make([]openaiapi.OpenAIModel, 0, len(presets))
	for _, p := range presets {
		models = append(models, openaiapi.OpenAIModel{
			ID:      p.ID,
			Object:  "model",
			Created: created,
			OwnedBy: p.OwnedBy,
		})
	}
	h.writeJSON(w, http.StatusOK, openaiapi.OpenAIModelList{Object: "list", Data: models})
}

// handleStatus 输出账号池快照。快照不含任何 token 内容。
func (h *compatHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.relay.pool.Snapshot())
}

func (h *compatHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeOpenAIError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req openaiapi.OpenAIChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeOpenAIError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		h.writeOpenAIError(w, http.StatusBadRequest, "messages is required")
		return
	}
	if !atxp2.IsSupportedModelID(req.Model) {
		h.writeOpenAIError(w, http.StatusBadRequest, fmt.Sprintf("model %q is not supported", req.Model))
		return
	}

	msgs, err := convertOpenAIMessages(req.Messages)
	if err != nil {
		h.writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}

	upstreamModel := atxp2.MapModelID(req.Model)
	if req.Stream {
		h.relayStream(w, r, req.Model, upstreamModel, msgs)
		return
	}
	h.relayOnce(w, r, req.Model, upstreamModel, msgs)
}

func (h *compatHandler) relayOnce(w http.ResponseWriter, r *http.Request, clientModel, upstreamModel string, msgs []*schema.Message) {
	respMsg, err := h.relay.generate(r.Context(), upstreamModel, msgs)
	if err != nil {
		status, message := relayErrorStatus(err)
		h.writeOpenAIError(w, status, message)
		return
	}
	resp := openaiapi.ToChatCompletion(h.newChatCompletion(), clientModel, respMsg.Content)
	resp.Created = h.now().Unix()
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *compatHandler) relayStream(w http.ResponseWriter, r *http.Request, clientModel, upstreamModel string, msgs []*schema.Message) {
	acc, sr, err := h.relay.openStream(r.Context(), upstreamModel, msgs)
	if err != nil {
		status, message := relayErrorStatus(err)
		h.writeOpenAIError(w, status, message)
		return
	}
	defer sr.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	id := h.newChatCompletion()
	created := h.now().Unix()
	writeChunk := func(chunk openaiapi.OpenAIChatChunk) {
		chunk.Created = created
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flush()
	}

	writeChunk(openaiapi.ToRoleChunk(id, clientModel))

	var streamErr error
	for {
		msg, err := sr.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if msg.Content == "" {
			continue
		}
		writeChunk(openaiapi.ToChatChunk(id, clientModel, msg.Content, nil))
	}

	// 无论上游如何收场，对客户端都给出完整的终止序列
	finish := "stop"
	writeChunk(openaiapi.ToChatChunk(id, clientModel, "", &finish))
	fmt.Fprint(w, "data: [DONE]\n\n")
	flush()

	if streamErr != nil && !errors.Is(streamErr, io.EOF) {
		log.Warnf("stream from [%s] ended with error: %v", acc.Email, streamErr)
	}
	h.relay.releaseAfterStream(r.Context(), acc, streamErr)
}

// convertOpenAIMessages 把 OpenAI 消息转成 eino 消息。
// 仅接受 system/user/assistant 三种角色。
func convertOpenAIMessages(in []openaiapi.OpenAIMessage) ([]*schema.Message, error) {
	out := make([]*schema.Message, 0, len(in))
	for i, m := range in {
		content, err := openaiContentToText(m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		switch m.Role {
		case "system":
			out = append(out, schema.SystemMessage(content))
		case "user":
			out = append(out, schema.UserMessage(content))
		case "assistant":
			out = append(out, schema.AssistantMessage(content, nil))
		default:
			return nil, fmt.Errorf("messages[%d]: %w: %q", i, backend.ErrUnsupportedRole, m.Role)
		}
	}
	return out, nil
}

// openaiContentToText 支持字符串与分段数组两种 content 形式。
func openaiContentToText(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		var sb strings.Builder
		for _, part := range v {
			m, ok := part.(map[string]any)
			if !ok {
				return "", fmt.Errorf("unsupported content part: %T", part)
			}
			if m["type"] != "text" {
				return "", fmt.Errorf("unsupported content part type: %v", m["type"])
			}
			text, _ := m["text"].(string)
			sb.WriteString(text)
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("unsupported content type: %T", content)
	}
}
