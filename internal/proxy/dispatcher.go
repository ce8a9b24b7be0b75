package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pysugar/anygate/internal/accounting"
	"github.com/pysugar/anygate/internal/apierr"
	"github.com/pysugar/anygate/internal/convert"
	"github.com/pysugar/anygate/internal/logging"
	"github.com/pysugar/anygate/internal/rewrite"
	"github.com/pysugar/anygate/internal/store"
	"github.com/pysugar/anygate/internal/upstream"
	"github.com/pysugar/anygate/internal/util"
)

// statusClientClosed records requests whose client went away mid-stream.
const statusClientClosed = accounting.StatusClientClosed

// Dispatcher runs the chat pipeline: credential resolution, optional format
// conversion and rewriting, upstream dispatch, response relay and per-request
// accounting.
type Dispatcher struct {
	Store    *store.Store
	Client   *upstream.Client
	Recorder *accounting.Recorder
}

func NewDispatcher(s *store.Store, client *upstream.Client) *Dispatcher {
	return &Dispatcher{
		Store:    s,
		Client:   client,
		Recorder: accounting.NewRecorder(s),
	}
}

// ChatOptions carries route-derived hints. Gemini routes name the model and
// the stream action in the path instead of the body.
type ChatOptions struct {
	ClientFormat convert.Format
	Model        string
	Stream       bool
}

// target is the resolved upstream side of one request.
type target struct {
	provider convert.Format
	key      string
	baseURL  string

	exclusiveKeyID *uint
	officialKeyID  *uint
	userID         *uint
}

// Chat serves one chat-completion request end to end.
func (d *Dispatcher) Chat(w http.ResponseWriter, r *http.Request, opts ChatOptions) {
	cred := CredentialFrom(r.Context())
	if cred == nil {
		apierr.Write(w, apierr.Unauthorized("missing API key"), opts.ClientFormat)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.Write(w, apierr.BadRequest("read request body: "+err.Error()), opts.ClientFormat)
		return
	}

	tgt, apiErr := d.resolveTarget(cred)
	if apiErr != nil {
		apierr.Write(w, apiErr, opts.ClientFormat)
		return
	}

	// Best-effort canonical parse. Pass-through survives a parse failure;
	// conversion cannot.
	canonical, parseErr := convert.ParseRequest(body, opts.ClientFormat, opts.Model, opts.Stream)
	passThrough := opts.ClientFormat == tgt.provider

	if parseErr != nil && !passThrough {
		apierr.Write(w, apierr.BadRequest(parseErr.Error()), opts.ClientFormat)
		return
	}

	model := opts.Model
	stream := opts.Stream
	if canonical != nil {
		if canonical.Model != "" {
			model = canonical.Model
		}
		stream = stream || canonical.Stream
	}

	if passThrough {
		d.passThrough(w, r, opts, tgt, cred, body, canonical, model, stream)
		return
	}
	d.converted(w, r, opts, tgt, cred, canonical, model, stream)
}

// resolveTarget turns the credential into an upstream provider and key.
// Gateway keys pull from the channel's pool; raw secrets pass through with
// the provider inferred from the prefix.
func (d *Dispatcher) resolveTarget(cred *Credential) (*target, *apierr.APIError) {
	if cred.PassThrough() {
		return &target{
			provider: ProviderForSecret(cred.Secret),
			key:      cred.Secret,
		}, nil
	}

	if cred.Channel == nil {
		return nil, apierr.BadRequest("exclusive key is not bound to a channel")
	}

	key, err := d.Store.Pool.NextKey(cred.ExclusiveKey.UserID, cred.ExclusiveKey.ChannelID)
	if err != nil {
		switch err {
		case store.ErrNoKeys:
			return nil, apierr.ServiceUnavailable("no keys configured")
		case store.ErrAllKeysDisabled:
			return nil, apierr.ServiceUnavailable("all keys disabled")
		default:
			return nil, apierr.Internal(err.Error())
		}
	}

	tgt := &target{
		key:            key.Key,
		provider:       ProviderForSecret(key.Key),
		baseURL:        cred.Channel.APIURL,
		exclusiveKeyID: &cred.ExclusiveKey.ID,
		officialKeyID:  &key.ID,
		userID:         &cred.ExclusiveKey.UserID,
	}
	if cred.Channel.Type != "" {
		tgt.provider = convert.Format(cred.Channel.Type)
	}
	return tgt, nil
}

// passThrough relays bytes with header fixup only. For gateway keys the
// model is still remapped so a channel never receives a foreign family name.
func (d *Dispatcher) passThrough(w http.ResponseWriter, r *http.Request, opts ChatOptions, tgt *target, cred *Credential, body []byte, canonical *convert.ChatRequest, model string, stream bool) {
	inputTokens := 0
	if canonical != nil {
		inputTokens = accounting.CountMessages(canonical.Messages)
	}
	entry := d.Recorder.Start(accounting.StartOptions{
		ExclusiveKeyID: tgt.exclusiveKeyID,
		OfficialKeyID:  tgt.officialKeyID,
		UserID:         tgt.userID,
		Model:          model,
		IsStream:       stream,
		InputTokens:    inputTokens,
	})

	if !cred.PassThrough() && opts.ClientFormat != convert.FormatGemini {
		if mapped := convert.MapModel(model, tgt.provider); mapped != model {
			if fixed, err := sjson.SetBytes(body, "model", mapped); err == nil {
				body = fixed
				model = mapped
			}
		}
	}

	resp, err := d.Client.Send(r.Context(), &upstream.Request{
		Provider: tgt.provider,
		Key:      tgt.key,
		Model:    model,
		Stream:   stream,
		Body:     body,
		BaseURL:  tgt.baseURL,
	})
	if err != nil {
		if r.Context().Err() != nil {
			entry.Finalize(statusClientClosed, inputTokens, 0)
			return
		}
		entry.Finalize(http.StatusBadGateway, inputTokens, 0)
		apierr.Write(w, apierr.BadGateway(err.Error()), opts.ClientFormat)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	if stream && resp.StatusCode < 300 {
		// Relay raw bytes, teeing them through the provider's decoder so
		// streamed output still gets counted.
		decoder := convert.NewChunkDecoder(tgt.provider, model)
		var outText strings.Builder
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 32*1024)
		status := resp.StatusCode
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				entry.FirstChunk()
				for _, chunk := range decoder.Feed(buf[:n]) {
					outText.WriteString(chunk.DeltaText())
				}
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					status = statusClientClosed
					break
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if readErr != nil {
				if readErr != io.EOF && (r.Context().Err() != nil || errors.Is(readErr, context.Canceled)) {
					status = statusClientClosed
				}
				break
			}
		}
		entry.Finalize(status, inputTokens, accounting.CountText(outText.String()))
		return
	}

	respBody, _ := io.ReadAll(resp.Body)
	w.Write(respBody)
	if resp.StatusCode == http.StatusTooManyRequests {
		if delay := upstream.RetryAfter(resp.Header, respBody); delay > 0 {
			logging.ForRequest(r.Context()).Warnf("upstream %s rate limited, retry hint %s", tgt.provider, delay)
		}
	}
	outputTokens := 0
	if resp.StatusCode < 300 {
		outputTokens = usageOutputTokens(respBody)
	}
	entry.Finalize(resp.StatusCode, inputTokens, outputTokens)
}

// usageOutputTokens pulls the completion token count from whichever usage
// shape the provider used.
func usageOutputTokens(body []byte) int {
	for _, path := range []string{
		"usage.completion_tokens",
		"usage.output_tokens",
		"usageMetadata.candidatesTokenCount",
	} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			return int(v.Int())
		}
	}
	return 0
}

// converted runs the full pipeline: rewriting on the canonical form,
// emission in the provider format, and response translation back.
func (d *Dispatcher) converted(w http.ResponseWriter, r *http.Request, opts ChatOptions, tgt *target, cred *Credential, canonical *convert.ChatRequest, model string, stream bool) {
	rw := d.loadRewrites(cred.ExclusiveKey)
	canonical.Messages = rewrite.ApplyRegexToMessages(canonical.Messages, rw.pre)
	canonical.Messages = rewrite.ApplyPreset(canonical.Messages, rw.preset)
	canonical.Messages = rewrite.NewVariableEngine().ParseMessages(canonical.Messages)

	canonical.Model = convert.MapModel(model, tgt.provider)
	canonical.Stream = stream
	inputTokens := accounting.CountMessages(canonical.Messages)

	entry := d.Recorder.Start(accounting.StartOptions{
		ExclusiveKeyID: tgt.exclusiveKeyID,
		OfficialKeyID:  tgt.officialKeyID,
		UserID:         tgt.userID,
		Model:          model,
		IsStream:       stream,
		InputTokens:    inputTokens,
	})

	upBody, err := convert.BuildRequest(canonical, tgt.provider)
	if err != nil {
		entry.Finalize(http.StatusInternalServerError, inputTokens, 0)
		apierr.Write(w, apierr.Internal(err.Error()), opts.ClientFormat)
		return
	}

	resp, err := d.Client.Send(r.Context(), &upstream.Request{
		Provider: tgt.provider,
		Key:      tgt.key,
		Model:    canonical.Model,
		Stream:   stream,
		Body:     upBody,
		BaseURL:  tgt.baseURL,
	})
	if err != nil {
		if r.Context().Err() != nil {
			entry.Finalize(statusClientClosed, inputTokens, 0)
			return
		}
		entry.Finalize(http.StatusBadGateway, inputTokens, 0)
		apierr.Write(w, apierr.BadGateway(err.Error()), opts.ClientFormat)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		logging.ForRequest(r.Context()).Debugf("upstream %s returned %d: %s", tgt.provider, resp.StatusCode, util.TruncateBytes(errBody))
		if resp.StatusCode == http.StatusTooManyRequests {
			if delay := upstream.RetryAfter(resp.Header, errBody); delay > 0 {
				logging.ForRequest(r.Context()).Warnf("upstream %s rate limited, retry hint %s", tgt.provider, delay)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(apierr.Convert(errBody, resp.StatusCode, tgt.provider, opts.ClientFormat))
		entry.Finalize(resp.StatusCode, inputTokens, 0)
		return
	}

	if stream {
		d.relayStream(w, r, resp, opts.ClientFormat, tgt.provider, canonical.Model, rw, inputTokens, entry)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		entry.Finalize(http.StatusBadGateway, inputTokens, 0)
		apierr.Write(w, apierr.BadGateway("read upstream response: "+err.Error()), opts.ClientFormat)
		return
	}
	canonResp, err := convert.ParseResponse(respBody, tgt.provider, canonical.Model)
	if err != nil {
		entry.Finalize(http.StatusBadGateway, inputTokens, 0)
		apierr.Write(w, apierr.BadGateway(err.Error()), opts.ClientFormat)
		return
	}

	if len(canonResp.Choices) > 0 && canonResp.Choices[0].Message != nil {
		msg := canonResp.Choices[0].Message
		msg.Content = msg.Content.MapText(rw.applyPost)
	}

	outputTokens := accounting.CountText(canonResp.AssistantText())
	if canonResp.Usage != nil && canonResp.Usage.CompletionTokens > 0 {
		outputTokens = canonResp.Usage.CompletionTokens
	}
	if canonResp.Usage == nil {
		canonResp.Usage = &convert.Usage{
			PromptTokens:     inputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      inputTokens + outputTokens,
		}
	}

	clientBody, err := convert.BuildResponse(canonResp, opts.ClientFormat)
	if err != nil {
		entry.Finalize(http.StatusInternalServerError, inputTokens, outputTokens)
		apierr.Write(w, apierr.Internal(err.Error()), opts.ClientFormat)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(clientBody)
	entry.Finalize(http.StatusOK, inputTokens, outputTokens)
}

// relayStream pumps upstream chunks through the decoder/encoder pair,
// applying post-rules to each delta.
func (d *Dispatcher) relayStream(w http.ResponseWriter, r *http.Request, resp *http.Response, clientFormat, provider convert.Format, model string, rw *rewrites, inputTokens int, entry *accounting.Entry) {
	decoder := convert.NewChunkDecoder(provider, model)
	encoder := convert.NewChunkEncoder(clientFormat, model)

	w.Header().Set("Content-Type", encoder.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var outText strings.Builder
	status := http.StatusOK
	buf := make([]byte, 32*1024)
	var streamErr error

pump:
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			// TTFT counts from the first upstream byte, decoded or not.
			entry.FirstChunk()
			for _, chunk := range decoder.Feed(buf[:n]) {
				if text := chunk.DeltaText(); text != "" {
					rewritten := rw.applyPost(text)
					chunk.SetDeltaText(rewritten)
					outText.WriteString(rewritten)
				}
				if _, writeErr := w.Write(encoder.Encode(chunk)); writeErr != nil {
					status = statusClientClosed
					break pump
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				streamErr = readErr
			}
			break
		}
		if decoder.Done() {
			break
		}
	}

	if status == http.StatusOK && streamErr != nil {
		// A canceled client also surfaces here, as a read error on the
		// context-bound upstream body. That is the client leaving, not the
		// upstream failing; the key's counters stay untouched.
		if r.Context().Err() != nil || errors.Is(streamErr, context.Canceled) {
			entry.Finalize(statusClientClosed, inputTokens, accounting.CountText(outText.String()))
			return
		}
		// A transport failure mid-stream cannot change the already-sent
		// status; the client gets one terminal SSE error frame instead.
		w.Write(apierr.SSEFrame(apierr.BadGateway("upstream stream interrupted: "+streamErr.Error()), clientFormat))
		if flusher != nil {
			flusher.Flush()
		}
		entry.Finalize(http.StatusBadGateway, inputTokens, accounting.CountText(outText.String()))
		return
	}

	if status == http.StatusOK {
		if _, err := w.Write(encoder.Trailer()); err != nil {
			status = statusClientClosed
		} else if flusher != nil {
			flusher.Flush()
		}
	}
	entry.Finalize(status, inputTokens, accounting.CountText(outText.String()))
}

// rewrites bundles the rule sets resolved for one request.
type rewrites struct {
	pre    []rewrite.RegexRule
	post   []rewrite.RegexRule
	preset []rewrite.PresetItem
}

func (rw *rewrites) applyPost(text string) string {
	if len(rw.post) == 0 {
		return text
	}
	return rewrite.ApplyRegex(text, rw.post)
}

// loadRewrites resolves the regex rules and preset bound to the key. Global
// pre-rules run before preset-local ones; post-rules the other way around.
func (d *Dispatcher) loadRewrites(key *store.ExclusiveKey) *rewrites {
	rw := &rewrites{}
	if key == nil {
		return rw
	}

	var globalPre, globalPost []rewrite.RegexRule
	if key.EnableRegex {
		var rules []store.RegexRule
		if err := d.Store.DB.Where("user_id = ? AND is_active = ?", key.UserID, true).
			Order("sort_order").Find(&rules).Error; err != nil {
			log.Errorf("load regex rules: %v", err)
		}
		for _, r := range rules {
			rr := rewrite.RegexRule{
				Name:        r.Name,
				Pattern:     r.Pattern,
				Replacement: r.Replacement,
				SortOrder:   r.SortOrder,
				Active:      true,
			}
			if r.Type == store.RegexPost {
				globalPost = append(globalPost, rr)
			} else {
				globalPre = append(globalPre, rr)
			}
		}
	}

	var presetPre, presetPost []rewrite.RegexRule
	if key.PresetID != nil {
		var preset store.Preset
		err := d.Store.DB.Preload("Items").
			Where("id = ? AND is_active = ?", *key.PresetID, true).
			First(&preset).Error
		if err != nil {
			log.Warnf("preset %d not loaded: %v", *key.PresetID, err)
		} else {
			for _, it := range preset.Items {
				rw.preset = append(rw.preset, rewrite.PresetItem{
					Role:      it.Role,
					Type:      it.Type,
					Content:   it.Content,
					Enabled:   it.Enabled,
					SortOrder: it.SortOrder,
				})
			}
			var rules []store.PresetRegexRule
			if err := d.Store.DB.Where("preset_id = ? AND is_active = ?", preset.ID, true).
				Order("sort_order").Find(&rules).Error; err != nil {
				log.Errorf("load preset regex rules: %v", err)
			}
			for _, r := range rules {
				rr := rewrite.RegexRule{
					Name:        r.Name,
					Pattern:     r.Pattern,
					Replacement: r.Replacement,
					SortOrder:   r.SortOrder,
					Active:      true,
				}
				if r.Type == store.RegexPost {
					presetPost = append(presetPost, rr)
				} else {
					presetPre = append(presetPre, rr)
				}
			}
		}
	}

	// Re-number so the engine's sort keeps global pre-rules ahead of
	// preset-local ones, and preset post-rules ahead of global ones.
	rw.pre = renumber(append(globalPre, presetPre...))
	rw.post = renumber(append(presetPost, globalPost...))
	return rw
}

func renumber(rules []rewrite.RegexRule) []rewrite.RegexRule {
	for i := range rules {
		rules[i].SortOrder = i
	}
	return rules
}
