package health

import "context"

// Pinger is anything that can probe its backing connection. The pgx pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a [Checker] probing the campaign store's connection pool.
func Database(p Pinger) Checker {
	return Checker{
		Name:  "database",
		Check: p.Ping,
	}
}
