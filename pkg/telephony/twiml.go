package telephony

import (
	"encoding/xml"
	"fmt"
)

type twimlParameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

type twimlStream struct {
	XMLName    xml.Name `xml:"Stream"`
	URL        string   `xml:"url,attr"`
	Parameters []twimlParameter
}

type twimlConnect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  twimlStream
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect *twimlConnect
}

// StreamTwiML renders the voice document that connects an answered call to
// the media-stream endpoint, carrying the task identifier as a custom
// stream parameter so the relay session can resolve its task.
func StreamTwiML(streamURL, taskID string) (string, error) {
	doc := twimlResponse{
		Connect: &twimlConnect{
			Stream: twimlStream{
				URL: streamURL,
				Parameters: []twimlParameter{
					{Name: "taskId", Value: taskID},
				},
			},
		},
	}
	raw, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal twiml: %w", err)
	}
	return xml.Header + string(raw), nil
}

// EmptyTwiML is the minimal acknowledgment body for status callbacks.
const EmptyTwiML = "<Response></Response>"
