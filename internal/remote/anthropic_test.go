package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func messageResponse(text string) string {
	body, _ := json.Marshal(map[string]any{
		"id":            "msg_test",
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-test",
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"content":       []map[string]any{{"type": "text", "text": text}},
		"usage":         map[string]any{"input_tokens": 10, "output_tokens": 20},
	})
	return string(body)
}

func TestClaudeDecomposer(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messageResponse("Here you go:\n```json\n" +
			`{"scenes":[{"text":"A train leaves.","image_prompt":"night train"},{"text":"It arrives."}]}` +
			"\n```")))
	}))
	defer srv.Close()

	d, err := NewClaudeDecomposer(ClaudeConfig{APIKey: "sk-ant-test", Model: "claude-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClaudeDecomposer() failed: %v", err)
	}

	scenes, err := d.DecomposeScenes(context.Background(), DecomposeRequest{Text: "story", SceneCount: 2})
	if err != nil {
		t.Fatalf("DecomposeScenes() failed: %v", err)
	}
	if len(scenes) != 2 || scenes[0].ImagePrompt != "night train" {
		t.Errorf("scenes = %+v", scenes)
	}
	if gotModel != "claude-test" {
		t.Errorf("model = %q, want claude-test", gotModel)
	}
}

func TestClaudeDecomposer_BadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	d, _ := NewClaudeDecomposer(ClaudeConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := d.DecomposeScenes(context.Background(), DecomposeRequest{Text: "story"})
	if !IsPermanent(err) {
		t.Errorf("400 from Messages API = %v, want permanent", err)
	}
}

func TestParseSceneJSON(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    int
		wantErr bool
	}{
		{name: "bare object", reply: `{"scenes":[{"text":"a"}]}`, want: 1},
		{name: "fenced", reply: "```json\n{\"scenes\":[{\"text\":\"a\"},{\"text\":\"b\"}]}\n```", want: 2},
		{name: "no json", reply: "I cannot help with that.", wantErr: true},
		{name: "empty scenes", reply: `{"scenes":[]}`, wantErr: true},
		{name: "blank text", reply: `{"scenes":[{"text":"  "}]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSceneJSON(tt.reply)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseSceneJSON() = %v, want error", got)
				}
				return
			}
			if err != nil || len(got) != tt.want {
				t.Errorf("parseSceneJSON() = %d scenes, %v; want %d", len(got), err, tt.want)
			}
		})
	}
}
