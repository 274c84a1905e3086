package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"game_channel/internal/model"
	"game_channel/internal/transcript"
)

const fetchTimeout = 10 * time.Second

func (c *Client) initWebhook(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) writeFrame(frame *model.Frame) error {
	b, err := model.EncodeFrame(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// TranscriptURL maps the hub websocket url to the transcript endpoint of a
// session.
func TranscriptURL(serverURL, session string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/session") + "/sessions/" + url.PathEscape(session)
	u.RawQuery = ""
	return u.String(), nil
}

// ArchivedSession is the hub's answer on the transcript endpoint.
type ArchivedSession struct {
	transcript.Transcript
	Game     string `json:"game"`
	Finished bool   `json:"finished"`
	Failed   bool   `json:"failed"`
}

// FetchTranscript downloads the archived log of session from the hub.
func FetchTranscript(ctx context.Context, serverURL, session string) (*ArchivedSession, error) {
	u, err := TranscriptURL(serverURL, session)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub answered %s", resp.Status)
	}

	var a ArchivedSession
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}
