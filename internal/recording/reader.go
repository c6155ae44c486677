package recording

import (
	"bufio"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// Event is one decoded recording-file line after the header.
type Event struct {
	Seconds float64
	Kind    EventKind
	Payload string
}

// ExitLine is the terminal line of a recording file, if present.
type ExitLine struct {
	ExitCode  int
	SessionID string
}

// Read parses a recording file into its header, ordered events, and
// optional exit line. It tolerates a missing or truncated final line
// (the writer may have been interrupted mid-write).
func Read(r io.Reader) (Header, []Event, *ExitLine, error) {
	var header Header
	var events []Event
	var exit *ExitLine

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
			return header, nil, nil, fmt.Errorf("recording: bad header: %w", err)
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw [3]jsoniter.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			// incomplete trailing line from an interrupted write; stop here
			break
		}

		var first string
		if err := json.Unmarshal(raw[0], &first); err == nil && first == "exit" {
			var code int
			var sid string
			if err := json.Unmarshal(raw[1], &code); err == nil {
				_ = json.Unmarshal(raw[2], &sid)
				exit = &ExitLine{ExitCode: code, SessionID: sid}
			}
			continue
		}

		var tag string
		if err := json.Unmarshal(raw[1], &tag); err != nil {
			break
		}

		var seconds float64
		var payload string
		if err := json.Unmarshal(raw[0], &seconds); err != nil {
			break
		}
		if err := json.Unmarshal(raw[2], &payload); err != nil {
			break
		}
		events = append(events, Event{Seconds: seconds, Kind: EventKind(tag), Payload: payload})
	}

	return header, events, exit, nil
}
