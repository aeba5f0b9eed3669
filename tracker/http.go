package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// HTTPGetter announces over plain HTTP(S) GET requests per BEP-3,
// decoding the bencoded response body with jackpal/bencode-go (the
// library the teacher's tracker client used for this transport).
type HTTPGetter struct {
	Client *http.Client
}

type httpTrackerResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

func (g HTTPGetter) Announce(ctx context.Context, announceURL string, req Request) (Response, error) {
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	u, err := url.Parse(announceURL)
	if err != nil {
		return Response{}, fmt.Errorf("tracker/http: parsing url: %w", err)
	}

	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if ev := eventString(req.Event); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("tracker/http: building request: %w", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("tracker/http: requesting %s: %w", announceURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Response{}, fmt.Errorf("tracker/http: reading response: %w", err)
	}

	var parsed httpTrackerResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &parsed); err != nil {
		return Response{}, fmt.Errorf("tracker/http: decoding response: %w", err)
	}
	if parsed.FailureReason != "" {
		return Response{}, fmt.Errorf("tracker/http: tracker reported failure: %s", parsed.FailureReason)
	}

	peers, err := parseCompactPeers([]byte(parsed.Peers))
	if err != nil {
		return Response{}, err
	}
	return Response{Interval: parsed.Interval, Peers: peers}, nil
}

func eventString(e Event) string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}
