package server

// Message is a decoded message. The server never looks inside it.
type Message any

// Codec turns the bytes of one read into a Message and back.
// Implementations must be safe for concurrent use.
type Codec interface {
	Decode(data []byte) (Message, error)
	Encode(msg Message) ([]byte, error)
}
