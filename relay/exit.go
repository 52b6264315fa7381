package relay

import (
	"fmt"
	"io"
	"net/http"

	"github.com/cvsouth/daphne/cell"
	"github.com/cvsouth/daphne/onionwire"
)

// exitUserAgent is sent on every outbound exit request, matching a
// common browser string so destination servers see ordinary traffic.
const exitUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

var exitClient = &http.Client{
	Timeout: ExitTimeout,
	Transport: &http.Transport{
		DisableCompression: true,
	},
}

// handleREQ performs the exit's outbound HTTP GET of inner.Payload (a
// UTF-8 URL) and streams the serialized response back in CHUNK_BYTES
// chunks: CONTINUE for every chunk but the last, FINISHED for the
// last. A single FAILED("ERROR") cell replaces the whole reply on any
// HTTP failure.
func (n *Node) handleREQ(cs *clientState, w *cell.Writer, inner cell.Cell) error {
	url := string(inner.Payload)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return sendFailed(cs, w, "ERROR")
	}
	req.Header.Set("User-Agent", exitUserAgent)

	resp, err := exitClient.Do(req)
	if err != nil {
		return sendFailed(cs, w, "ERROR")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, onionwire.MaxResponseBody))
	if err != nil {
		return sendFailed(cs, w, "ERROR")
	}

	encoded, err := onionwire.EncodeHTTPResponse(onionwire.HTTPResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	})
	if err != nil {
		return sendFailed(cs, w, "ERROR")
	}

	return n.streamChunks(cs, w, encoded)
}

// streamChunks sends encoded in ChunkBytes-sized cells: CONTINUE for
// every chunk but the last, FINISHED for the last (or for the whole
// payload, if it fits in one chunk).
func (n *Node) streamChunks(cs *clientState, w *cell.Writer, encoded []byte) error {
	for offset := 0; ; {
		end := offset + ChunkBytes
		last := end >= len(encoded)
		if last {
			end = len(encoded)
		}

		typ := cell.TypeContinue
		if last {
			typ = cell.TypeFinished
		}
		reply, err := encryptReply(cs, cell.Cell{Type: typ, Payload: encoded[offset:end]})
		if err != nil {
			return err
		}
		if err := w.WriteCell(reply); err != nil {
			return fmt.Errorf("send %s chunk: %w", typ, err)
		}

		if last {
			return nil
		}
		offset = end
	}
}
