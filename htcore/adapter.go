package htcore

// Sender is the hop interface of the request pipeline. The pool is a
// Sender; every adapter wraps another Sender and delegates downward.
// Adapters never mutate the request they are handed: anything they need
// to change happens on a Clone.
type Sender interface {
	Send(req *Request) (*Response, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(req *Request) (*Response, error)

func (f SenderFunc) Send(req *Request) (*Response, error) { return f(req) }
