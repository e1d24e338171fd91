package wire

import "github.com/orchidgate/orchidgate/internal/buffer"

// ParseFrame splits a wire frame into its nonce and the remaining body:
// frame := nonce(32) || body.
func ParseFrame(frame buffer.Buffer) (nonce Tag, rest buffer.Buffer, err error) {
	w := buffer.NewWindow(frame)
	raw, err := w.TakeTag()
	if err != nil {
		return Tag{}, nil, err
	}
	return Tag(raw), w.Rest(), nil
}

// ParseCommand splits a command body into its command tag and arguments:
// body := command_tag(32) || command_args.
func ParseCommand(body buffer.Buffer) (command Tag, args buffer.Buffer, err error) {
	return ParseFrame(body)
}

// Reply builds the wire representation of a successful reply:
// nonce(32) || reply_payload.
func Reply(nonce Tag, payload buffer.Buffer) buffer.Buffer {
	return buffer.Tie(buffer.Wrap(nonce[:]), payload)
}

// ErrorReply builds the three-part error frame: Zero(32) || nonce(32) ||
// utf8_message, the sentinel the client recognizes as a failed command.
func ErrorReply(nonce Tag, message string) buffer.Buffer {
	return buffer.Tie(buffer.Wrap(Zero[:]), buffer.Wrap(nonce[:]), buffer.WrapString(message))
}
