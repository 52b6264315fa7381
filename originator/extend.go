package originator

import (
	"fmt"
	"time"

	"github.com/cvsouth/daphne/cell"
	"github.com/cvsouth/daphne/directory"
	"github.com/cvsouth/daphne/xcrypto"
)

// wrapLayer AES-encrypts inner under key and returns the cell carrying
// that ciphertext. TypeReq cells may not carry an IV on the wire, so a
// REQ being wrapped is promoted to TypeRelay for the outer layer; the
// relay receiving it never reads its own Type during decryption, only
// the peeled inner cell's, so the substitution is invisible downstream.
func wrapLayer(key [32]byte, inner cell.Cell) (cell.Cell, error) {
	plain, err := cell.Encode(inner)
	if err != nil {
		return cell.Cell{}, fmt.Errorf("encode inner cell: %w", err)
	}
	ciphertext, iv, err := xcrypto.AESEncrypt(key, plain)
	if err != nil {
		return cell.Cell{}, fmt.Errorf("encrypt layer: %w", err)
	}
	typ := inner.Type
	if typ == cell.TypeReq {
		typ = cell.TypeRelay
	}
	return cell.Cell{Type: typ, Payload: ciphertext, IV: iv}, nil
}

// peel decrypts raw under keys[0..len(keys)-1] in order, unwrapping one
// nested cell per key. Each layer's plaintext is a cell whose payload
// is the next layer's framed bytes — the relay that produced it only
// ever forwarded them to its bounce connection, so it is always the
// relay one level further down (or, for the last layer when
// trailingUnframe is set, the new hop's own unencrypted reply) that
// must unframe them. A FAILED layer whose payload is itself a frame was
// forwarded by an intermediate hop on behalf of a deeper one and is
// peeled further; a FAILED layer carrying only a reason tag is the
// reporting relay's own and ends peeling immediately, since that relay
// never produced a further nested layer.
//
// trailingUnframe distinguishes the two reply shapes in this protocol:
// extending the circuit receives the new hop's CONNECT_RESP one level
// deeper than its session key goes (the hop that dialed it forwarded
// its raw, not-yet-keyed reply bytes), so peeling needs one more
// unframe than there are keys. A REQ reply is, at its innermost layer,
// already the exit's own AES-encrypted content with nothing further
// nested inside — no trailing unframe.
func peel(keys [][32]byte, raw cell.Cell, trailingUnframe bool) (cell.Cell, error) {
	current := raw
	for idx, key := range keys {
		plain, err := xcrypto.AESDecrypt(key, current.Payload, current.IV)
		if err != nil {
			return cell.Cell{}, fmt.Errorf("decrypt layer: %w", err)
		}
		mid, err := cell.Decode(plain)
		if err != nil {
			return cell.Cell{}, fmt.Errorf("decode layer: %w", err)
		}
		if mid.Type == cell.TypeFailed {
			if idx < len(keys)-1 || trailingUnframe {
				if next, err := cell.Unframe(mid.Payload); err == nil {
					current = next
					continue
				}
			}
			return mid, nil
		}
		if idx < len(keys)-1 || trailingUnframe {
			next, err := cell.Unframe(mid.Payload)
			if err != nil {
				return cell.Cell{}, fmt.Errorf("unframe layer: %w", err)
			}
			current = next
		} else {
			current = mid
		}
	}
	return current, nil
}

// extend grows the circuit by one hop: it ADD_CON-wraps a fresh
// ephemeral key for desc in RSA-OAEP under desc's identity key, nests
// that inside a RELAY_CONNECT cell pointed at desc, then re-wraps that
// cell in RELAY cells routed through each hop already in the circuit —
// outermost hop first — so only the last (already-connected) hop in
// the chain ever needs to dial anything new. It transmits the result
// on the entry socket and peels the reply back the same number of
// layers to recover desc's CONNECT_RESP.
func (c *Circuit) extend(desc directory.Entry) error {
	i := len(c.Hops)

	kp, err := xcrypto.ECDHENew()
	if err != nil {
		return fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	addCon := cell.Cell{Type: cell.TypeAddCon, Payload: xcrypto.ECDHPublicKeyPEM(kp.Pub)}
	addConPlain, err := cell.Encode(addCon)
	if err != nil {
		return fmt.Errorf("encode ADD_CON: %w", err)
	}
	rsaBlock, err := xcrypto.RSAEncrypt(desc.PublicKey, addConPlain)
	if err != nil {
		return fmt.Errorf("rsa-wrap ADD_CON: %w", err)
	}

	innermost := cell.Cell{
		Type:    cell.TypeRelayConnect,
		IPAddr:  desc.IPAddr,
		Port:    desc.Port,
		Payload: rsaBlock,
	}
	outer, err := wrapLayer(c.Hops[i-1].SessionKey, innermost)
	if err != nil {
		return err
	}
	for j := i - 2; j >= 0; j-- {
		framed, err := cell.Frame(outer)
		if err != nil {
			return fmt.Errorf("frame layer %d: %w", j, err)
		}
		relayCell := cell.Cell{
			Type:    cell.TypeRelay,
			IPAddr:  c.Hops[j+1].IPAddr,
			Port:    c.Hops[j+1].Port,
			Payload: framed,
		}
		outer, err = wrapLayer(c.Hops[j].SessionKey, relayCell)
		if err != nil {
			return err
		}
	}

	if err := c.writer.WriteCell(outer); err != nil {
		return fmt.Errorf("send extend cell: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(ExtendTimeout))
	raw, err := c.reader.ReadCell()
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("read extend reply: %w", err)
	}

	final, err := peel(c.sessionKeys(), raw, true)
	if err != nil {
		return err
	}
	if final.Type == cell.TypeFailed {
		reason := string(final.Payload)
		if reason == "" {
			reason = "unknown"
		}
		return fmt.Errorf("relay refused to extend: %s", reason)
	}
	if final.Type != cell.TypeConnectResp {
		return fmt.Errorf("expected CONNECT_RESP, got %s", final.Type)
	}
	if err := xcrypto.RSAVerify(desc.PublicKey, final.Signature, final.Salt); err != nil {
		return fmt.Errorf("verify CONNECT_RESP signature: %w", err)
	}
	peerPub, err := xcrypto.ParseECDHPublicKeyPEM(final.Payload)
	if err != nil {
		return fmt.Errorf("parse relay ECDHE key: %w", err)
	}
	key, err := xcrypto.ECDHEDerive(kp.Priv, peerPub, final.Salt)
	if err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}

	c.Hops = append(c.Hops, &Hop{
		PublicKey:  desc.PublicKey,
		ECDHEPriv:  kp.Priv,
		SessionKey: key,
		IPAddr:     desc.IPAddr,
		Port:       desc.Port,
	})
	return nil
}
