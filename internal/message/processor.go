package message

// Processor consumes one message. Implementations ignore tags they do not
// understand instead of failing.
type Processor interface {
	Process(m *Message)
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(m *Message)

func (f ProcessorFunc) Process(m *Message) {
	f(m)
}

// Collector buffers everything it is given. It is not safe for concurrent
// use; one dispatch goroutine owns it.
type Collector struct {
	messages []*Message
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Process(m *Message) {
	c.messages = append(c.messages, m)
}

// Messages returns the buffered messages without removing them.
func (c *Collector) Messages() []*Message {
	return c.messages
}

// Drain returns the buffered messages and empties the collector.
func (c *Collector) Drain() []*Message {
	out := c.messages
	c.messages = nil
	return out
}

func (c *Collector) Len() int {
	return len(c.messages)
}
