package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Scripts print free-form text around their structured output, so the
// parsers below scan for the first JSON object that carries the wanted key
// and fall back to pattern matching. This is best effort: a script that
// prints an unrelated object with the same key first will be misread.

var (
	orderPattern = regexp.MustCompile(`ORDER_[0-9]+`)
	orderIDLine  = regexp.MustCompile(`(?i)order[ _-]?id\s*[:=]\s*"?([A-Za-z0-9_.-]+)`)
)

// maxJSONCandidates bounds how many '{' offsets are tried per output.
const maxJSONCandidates = 64

// ParseCreatedID extracts the id of the order created by planning step 1.
func ParseCreatedID(out string) string {
	var found string
	scanJSONObjects(out, func(obj map[string]any) bool {
		for _, key := range []string{"order_id", "id"} {
			if v, ok := obj[key]; ok {
				if s := idString(v); s != "" {
					found = s
					return true
				}
			}
		}
		return false
	})
	if found != "" {
		return found
	}
	if m := orderPattern.FindString(out); m != "" {
		return m
	}
	if m := orderIDLine.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return ""
}

// LaunchedWorker is one entry of the parallel launcher acknowledgement.
type LaunchedWorker struct {
	TaskID  string `json:"task_id"`
	PID     int    `json:"pid"`
	LogFile string `json:"log_file"`
}

// LaunchAck is printed by `<worker> parallel ... --json`.
type LaunchAck struct {
	Launched []LaunchedWorker `json:"launched"`
}

// ParseLaunchAck finds the acknowledgement object in launcher output.
func ParseLaunchAck(out string) (LaunchAck, error) {
	var (
		ack    LaunchAck
		parsed bool
	)
	scanJSONObjects(out, func(obj map[string]any) bool {
		if _, ok := obj["launched"]; !ok {
			return false
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return false
		}
		if err := json.Unmarshal(raw, &ack); err != nil {
			return false
		}
		parsed = true
		return true
	})
	if !parsed {
		return LaunchAck{}, fmt.Errorf("no launch acknowledgement in output")
	}
	for i, w := range ack.Launched {
		if w.PID <= 0 || w.TaskID == "" {
			return LaunchAck{}, fmt.Errorf("launch entry %d: task_id and pid are required", i)
		}
	}
	return ack, nil
}

func scanJSONObjects(out string, fn func(map[string]any) bool) {
	tried := 0
	for i := 0; i < len(out) && tried < maxJSONCandidates; i++ {
		if out[i] != '{' {
			continue
		}
		tried++
		dec := json.NewDecoder(strings.NewReader(out[i:]))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		if fn(obj) {
			return
		}
		// Skip past the decoded object; nested objects were already seen.
		i += int(dec.InputOffset()) - 1
	}
}

func idString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	}
	return ""
}
