package nats

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// defaultMaxPayload bounds inbound MSG payload lengths until the broker INFO
// advertises its own limit.
const defaultMaxPayload = 1024 * 1024

const (
	frameInfo = iota
	frameMsg
	framePing
	framePong
	frameOK
	frameErr
	frameProtoErr
)

// frame is one decoded inbound protocol unit. For frameInfo and frameErr the
// argument text is in arg; for frameMsg the payload is in data. frameProtoErr
// carries the offending control line in arg and is reported, never fatal.
type frame struct {
	op      int
	subject string
	reply   string
	sid     int64
	data    []byte
	arg     []byte
}

// serverInfo is the JSON body of the broker's INFO command.
type serverInfo struct {
	ServerID     string `json:"server_id"`
	Version      string `json:"version"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	AuthRequired bool   `json:"auth_required"`
	TLSRequired  bool   `json:"tls_required"`
	MaxPayload   int64  `json:"max_payload"`
}

// connectOptions is the JSON body of the client's CONNECT command.
type connectOptions struct {
	Verbose  bool   `json:"verbose"`
	Pedantic bool   `json:"pedantic"`
	TLS      bool   `json:"tls_required"`
	Name     string `json:"name,omitempty"`
	Lang     string `json:"lang"`
	Version  string `json:"version"`
	User     string `json:"user,omitempty"`
	Password string `json:"pass,omitempty"`
	Token    string `json:"auth_token,omitempty"`
}

var (
	crlfBytes = []byte("\r\n")
	pingBytes = []byte("PING\r\n")
	pongBytes = []byte("PONG\r\n")
)

func appendConnect(buffer *bytes.Buffer, options connectOptions) error {
	payload, err := json.Marshal(options)
	if err != nil {
		return NewError(ProtocolError, err)
	}
	buffer.WriteString("CONNECT ")
	buffer.Write(payload)
	buffer.Write(crlfBytes)
	return nil
}

func appendPub(buffer *bytes.Buffer, subject string, reply string, data []byte) {
	buffer.WriteString("PUB ")
	buffer.WriteString(subject)
	buffer.WriteByte(' ')
	if len(reply) > 0 {
		buffer.WriteString(reply)
		buffer.WriteByte(' ')
	}
	buffer.WriteString(strconv.Itoa(len(data)))
	buffer.Write(crlfBytes)
	buffer.Write(data)
	buffer.Write(crlfBytes)
}

func appendSub(buffer *bytes.Buffer, subject string, queueGroup string, sid int64) {
	buffer.WriteString("SUB ")
	buffer.WriteString(subject)
	buffer.WriteByte(' ')
	if len(queueGroup) > 0 {
		buffer.WriteString(queueGroup)
		buffer.WriteByte(' ')
	}
	buffer.WriteString(strconv.FormatInt(sid, 10))
	buffer.Write(crlfBytes)
}

func appendUnsub(buffer *bytes.Buffer, sid int64, maxMessages int) {
	buffer.WriteString("UNSUB ")
	buffer.WriteString(strconv.FormatInt(sid, 10))
	if maxMessages > 0 {
		buffer.WriteByte(' ')
		buffer.WriteString(strconv.Itoa(maxMessages))
	}
	buffer.Write(crlfBytes)
}

// decoder turns a raw inbound byte stream into frames. It is resumable: feed
// appends whatever the socket produced, next returns complete frames and
// retains any trailing partial frame for the following call. next never
// blocks.
type decoder struct {
	buffer     []byte
	start      int
	skip       int
	maxPayload int64
}

func newDecoder(maxPayload int64) *decoder {
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayload
	}
	return &decoder{maxPayload: maxPayload}
}

func (dec *decoder) setMaxPayload(maxPayload int64) {
	if maxPayload > 0 {
		dec.maxPayload = maxPayload
	}
}

func (dec *decoder) feed(data []byte) {
	if dec.start > 0 {
		remainder := len(dec.buffer) - dec.start
		copy(dec.buffer, dec.buffer[dec.start:])
		dec.buffer = dec.buffer[:remainder]
		dec.start = 0
	}
	dec.buffer = append(dec.buffer, data...)
}

// next returns the next complete frame, or nil when more bytes are needed.
// Malformed input never stops the stream: bad control lines and over-limit
// payloads come back as frameProtoErr and decoding resumes at the following
// line.
func (dec *decoder) next() *frame {
	if dec.skip > 0 {
		pending := len(dec.buffer) - dec.start
		if pending < dec.skip {
			dec.skip -= pending
			dec.start = len(dec.buffer)
			return nil
		}
		dec.start += dec.skip
		dec.skip = 0
	}

	pending := dec.buffer[dec.start:]
	lineEnd := bytes.Index(pending, crlfBytes)
	if lineEnd < 0 {
		return nil
	}
	line := pending[:lineEnd]
	consumed := lineEnd + len(crlfBytes)

	switch {
	case bytes.HasPrefix(line, []byte("MSG ")):
		return dec.nextMsg(pending, line, consumed)

	case bytes.HasPrefix(line, []byte("INFO ")):
		dec.start += consumed
		return &frame{op: frameInfo, arg: copyBytes(line[5:])}

	case bytes.Equal(line, []byte("PING")):
		dec.start += consumed
		return &frame{op: framePing}

	case bytes.Equal(line, []byte("PONG")):
		dec.start += consumed
		return &frame{op: framePong}

	case bytes.Equal(line, []byte("+OK")):
		dec.start += consumed
		return &frame{op: frameOK}

	case bytes.HasPrefix(line, []byte("-ERR")):
		dec.start += consumed
		description := bytes.Trim(line[4:], " '")
		return &frame{op: frameErr, arg: copyBytes(description)}

	default:
		dec.start += consumed
		return &frame{op: frameProtoErr, arg: copyBytes(line)}
	}
}

// nextMsg frames "MSG <subject> <sid> [reply-to] <#bytes>\r\n<payload>\r\n".
func (dec *decoder) nextMsg(pending []byte, line []byte, consumed int) *frame {
	args := bytes.Fields(line[4:])
	if len(args) < 3 || len(args) > 4 {
		dec.start += consumed
		return &frame{op: frameProtoErr, arg: copyBytes(line)}
	}

	subject := string(args[0])
	sid, sidErr := strconv.ParseInt(string(args[1]), 10, 64)

	var reply string
	sizeArg := args[2]
	if len(args) == 4 {
		reply = string(args[2])
		sizeArg = args[3]
	}
	size, sizeErr := strconv.Atoi(string(sizeArg))

	if sidErr != nil || sid < 0 || sizeErr != nil || size < 0 {
		dec.start += consumed
		return &frame{op: frameProtoErr, arg: copyBytes(line)}
	}
	if int64(size) > dec.maxPayload {
		// The length is declared, so the payload (and its trailer) can be
		// discarded and decoding resumes at the next line.
		dec.start += consumed
		dec.skip = size + len(crlfBytes)
		return &frame{op: frameProtoErr, arg: copyBytes(line)}
	}

	total := consumed + size + len(crlfBytes)
	if len(pending) < total {
		return nil
	}

	payload := pending[consumed : consumed+size]
	trailer := pending[consumed+size : total]
	dec.start += total
	if !bytes.Equal(trailer, crlfBytes) {
		return &frame{op: frameProtoErr, arg: copyBytes(line)}
	}

	return &frame{
		op:      frameMsg,
		subject: subject,
		reply:   reply,
		sid:     sid,
		data:    copyBytes(payload),
	}
}

func copyBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	return append([]byte(nil), value...)
}

func parseInfo(arg []byte) (*serverInfo, error) {
	info := new(serverInfo)
	if err := json.Unmarshal(arg, info); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return info, nil
}
