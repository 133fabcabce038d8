package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when a synthesis stream is abandoned so its producer can finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
