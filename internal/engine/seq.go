package engine

// SeqGen is a per-channel sequence number generator. It lives inside the
// engine and is only touched by the goroutine that drives it.
type SeqGen struct {
	val uint32
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	s.val++
	return s.val
}

// Last returns the most recently issued sequence number, 0 if none.
func (s *SeqGen) Last() uint32 {
	return s.val
}
