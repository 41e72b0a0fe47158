// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import (
	"bytes"
	"io"
)

// encodeFrame writes hdr followed by the raw bytes of body (the opaque
// message payload for DATA, or an already-CBOR-encoded SeqnoList for
// XMIT_REQ; empty for ACK and SEND_FIRST_SEQNO).
func encodeFrame(hdr Header, body []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := hdr.MarshalCbor(buf); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// decodeFrame parses the leading header and returns a reader positioned at
// whatever type-specific body follows.
func decodeFrame(raw []byte) (Header, io.Reader, error) {
	r := bytes.NewReader(raw)
	var hdr Header
	if err := hdr.UnmarshalCbor(r); err != nil {
		return Header{}, nil, err
	}
	return hdr, r, nil
}
