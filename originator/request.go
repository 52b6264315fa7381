package originator

import (
	"fmt"
	"time"

	"github.com/cvsouth/daphne/cell"
	"github.com/cvsouth/daphne/onionwire"
)

// Request sends url as a REQ onion-wrapped through every hop — the
// exit relay first, K_{N-1} applied first so the outermost layer is
// K_0 — and peels the layered CONTINUE/FINISHED reply stream back into
// a single assembled HTTPResponse.
func (c *Circuit) Request(url string) (*onionwire.HTTPResponse, error) {
	if len(c.Hops) == 0 {
		return nil, fmt.Errorf("originator: circuit has no hops")
	}

	outer, err := c.wrapRequest(url)
	if err != nil {
		return nil, err
	}
	if err := c.writer.WriteCell(outer); err != nil {
		return nil, fmt.Errorf("send REQ: %w", err)
	}

	keys := c.sessionKeys()
	var body []byte
	for {
		c.conn.SetReadDeadline(time.Now().Add(RequestTimeout))
		raw, err := c.reader.ReadCell()
		c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return nil, fmt.Errorf("read REQ reply: %w", err)
		}

		final, err := peel(keys, raw, false)
		if err != nil {
			return nil, err
		}

		switch final.Type {
		case cell.TypeFailed:
			reason := string(final.Payload)
			if reason == "" {
				reason = "unknown"
			}
			return nil, fmt.Errorf("request failed: %s", reason)
		case cell.TypeContinue:
			body = append(body, final.Payload...)
		case cell.TypeFinished:
			body = append(body, final.Payload...)
			resp, err := onionwire.DecodeHTTPResponse(body)
			if err != nil {
				return nil, fmt.Errorf("decode assembled response: %w", err)
			}
			return &resp, nil
		default:
			return nil, fmt.Errorf("unexpected reply type %s", final.Type)
		}
	}
}

// wrapRequest builds the fully onion-wrapped REQ cell: the innermost
// layer is REQ(url) AES-encrypted under the exit's session key; each
// hop back toward the entry nests the previous layer's framed bytes
// inside a RELAY cell (carrying the next hop's (ip, port) as a routing
// hint, matching circuit-construction's wire shape even though by
// request time a hop's bounce connection is already established and
// the hint itself goes unused) and AES-encrypts that under its own
// session key.
func (c *Circuit) wrapRequest(url string) (cell.Cell, error) {
	n := len(c.Hops)
	innermost := cell.Cell{Type: cell.TypeReq, Payload: []byte(url)}
	outer, err := wrapLayer(c.Hops[n-1].SessionKey, innermost)
	if err != nil {
		return cell.Cell{}, err
	}
	for j := n - 2; j >= 0; j-- {
		framed, err := cell.Frame(outer)
		if err != nil {
			return cell.Cell{}, fmt.Errorf("frame layer %d: %w", j, err)
		}
		relayCell := cell.Cell{
			Type:    cell.TypeRelay,
			IPAddr:  c.Hops[j+1].IPAddr,
			Port:    c.Hops[j+1].Port,
			Payload: framed,
		}
		outer, err = wrapLayer(c.Hops[j].SessionKey, relayCell)
		if err != nil {
			return cell.Cell{}, err
		}
	}
	return outer, nil
}
