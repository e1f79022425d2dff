package ratelimit

import (
	"context"
	"fmt"
	"time"
)

func ExampleLimiter() {
	lim, err := New("example-service",
		WithPolicy("webhooks", Policy{
			Window:  time.Minute,
			Max:     5,
			Message: "Too many webhook deliveries, please try again later.",
		}),
	)
	if err != nil {
		panic(err)
	}
	defer lim.Close()

	dec := lim.Check(context.Background(), "webhooks", "sender-42")

	fmt.Println(dec.Allowed)
	fmt.Println(dec.Remaining)
	// Output:
	// true
	// 4
}
