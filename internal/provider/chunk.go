package provider

import "context"

// SendChunked dispatches recipients in chunks of chunkSize and always
// returns one SendResult per recipient: numbers the provider did not
// acknowledge, and whole chunks whose dispatch failed, come back with
// an empty Ref. The first dispatch error is returned alongside the
// results so callers can log it, but the result set stays complete —
// a frozen charge is never dropped on a transient gateway failure.
func SendChunked(ctx context.Context, p Provider, recipients []string, body string, chunkSize int) ([]SendResult, error) {
	if chunkSize <= 0 {
		chunkSize = 100
	}

	results := make([]SendResult, 0, len(recipients))
	var firstErr error

	for start := 0; start < len(recipients); start += chunkSize {
		end := start + chunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		chunk := recipients[start:end]

		acked, err := p.Send(ctx, chunk, body)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			for _, phone := range chunk {
				results = append(results, SendResult{Phone: phone})
			}
			continue
		}

		refs := make(map[string]string, len(acked))
		for _, res := range acked {
			refs[res.Phone] = res.Ref
		}
		for _, phone := range chunk {
			results = append(results, SendResult{Phone: phone, Ref: refs[phone]})
		}
	}

	return results, firstErr
}
