package onebot

import "strconv"

// Segment is one element of a OneBot V11 message array.
type Segment struct {
	Type string      `json:"type"`
	Data SegmentData `json:"data"`
}

// SegmentData covers the fields used by the segment types we handle.
// OneBot serializes every value as a string.
type SegmentData struct {
	Text string `json:"text,omitempty"`
	File string `json:"file,omitempty"`
	URL  string `json:"url,omitempty"`
	QQ   string `json:"qq,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Text builds a plain-text segment.
func Text(s string) Segment {
	return Segment{Type: "text", Data: SegmentData{Text: s}}
}

// Image builds an image segment referencing a file or URL.
func Image(file string) Segment {
	return Segment{Type: "image", Data: SegmentData{File: file}}
}

// At builds an @-mention segment.
func At(userID int64) Segment {
	return Segment{Type: "at", Data: SegmentData{QQ: strconv.FormatInt(userID, 10)}}
}

// Reply builds a reply-reference segment.
func Reply(messageID int64) Segment {
	return Segment{Type: "reply", Data: SegmentData{ID: strconv.FormatInt(messageID, 10)}}
}
