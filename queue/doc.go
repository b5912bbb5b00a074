// Package queue carries create and destroy notifications from the main
// coordinator loop to the monitor loop.
//
// The queue is a fixed-capacity FIFO with one producer and one consumer.
// Send blocks the producer while the queue is full; Receive never blocks
// longer than the timeout it is given and reports WouldBlock on an empty
// queue. A status cell records whether the producer has initialized the
// buffer and the consumer has attached, so a consumer that attaches too
// early gets ErrNotInitialized instead of reading a buffer that does not
// exist yet.
package queue
