package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/superteam-academy/backend/internal/relay"
)

func TestEventStreamEmitsLessonCompletions(t *testing.T) {
	fixture := newServerFixture(t, fixtureOptions{}, twoLessonCourse())
	token := fixture.token(t, testWallet)

	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamRequest.Header.Set("Authorization", "Bearer "+token)
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	streamReader := bufio.NewReader(streamResp.Body)

	enrollReq, err := http.NewRequest(http.MethodPost, server.URL+"/courses/solana-101/enroll", bytes.NewBuffer(nil))
	if err != nil {
		t.Fatalf("failed to construct enroll request: %v", err)
	}
	enrollReq.Header.Set("Authorization", "Bearer "+token)
	enrollResp, err := http.DefaultClient.Do(enrollReq)
	if err != nil {
		t.Fatalf("enroll request failed: %v", err)
	}
	_ = enrollResp.Body.Close()
	if enrollResp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected enroll status: %d", enrollResp.StatusCode)
	}

	completeReq, err := http.NewRequest(http.MethodPost, server.URL+"/courses/solana-101/lessons/0/complete", bytes.NewBuffer(nil))
	if err != nil {
		t.Fatalf("failed to construct complete request: %v", err)
	}
	completeReq.Header.Set("Authorization", "Bearer "+token)
	completeResp, err := http.DefaultClient.Do(completeReq)
	if err != nil {
		t.Fatalf("complete request failed: %v", err)
	}
	_ = completeResp.Body.Close()
	if completeResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected complete status: %d", completeResp.StatusCode)
	}

	type eventPayload struct {
		CourseID    string `json:"course_id"`
		LessonIndex int    `json:"lesson_index"`
		XPAwarded   int64  `json:"xp_awarded"`
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for progress event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			if currentEventType == relay.EventEnrolled {
				continue
			}
			if currentEventType != relay.EventLessonCompleted {
				continue
			}
			dataJSON := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var payload eventPayload
			if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.CourseID != "solana-101" || payload.LessonIndex != 0 || payload.XPAwarded != 100 {
				t.Fatalf("unexpected event payload: %+v", payload)
			}
			return
		}
	}
}
