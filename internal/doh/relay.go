package doh

import (
	"context"
	"io"
	"sync"

	"github.com/miekg/dns"

	"github.com/1ureka/vlessgate/internal/util"
)

// Relay turns the DNS-mode byte stream of one session into resolver
// exchanges. Each complete query is sent on its own goroutine and its
// framed answer is written to out as soon as it arrives, so answers may be
// reordered relative to queries.
type Relay struct {
	ctx      context.Context
	resolver Exchanger
	out      io.Writer
	log      util.Tagged
	framer   Framer
	wg       sync.WaitGroup
}

// NewRelay creates a relay. out must be safe for concurrent Write calls.
func NewRelay(ctx context.Context, resolver Exchanger, out io.Writer, log util.Tagged) *Relay {
	return &Relay{
		ctx:      ctx,
		resolver: resolver,
		out:      out,
		log:      log,
	}
}

// Write feeds one inbound chunk. It never blocks on the resolver and only
// fails if ctx is already done. Must not be called concurrently.
func (r *Relay) Write(chunk []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	for _, q := range r.framer.Feed(chunk) {
		r.wg.Add(1)
		go r.exchange(q)
	}
	return len(chunk), nil
}

// Wait blocks until every in-flight exchange has finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) exchange(query []byte) {
	defer r.wg.Done()

	util.Stats.AddQuery()
	if util.DebugEnabled() {
		r.log.Debug("DNS query %s", describe(query))
	}

	answer, err := r.resolver.Exchange(r.ctx, query)
	if err != nil {
		util.Stats.AddQueryFailure()
		if r.ctx.Err() == nil {
			r.log.Warn("DNS query failed: %v", err)
		}
		return
	}

	framed, err := Frame(answer)
	if err != nil {
		util.Stats.AddQueryFailure()
		r.log.Warn("DNS answer dropped: %v", err)
		return
	}
	if _, err := r.out.Write(framed); err != nil {
		r.log.Debug("DNS answer dropped: %v", err)
	}
}

// describe renders the question section for logs. Queries that do not parse
// are still relayed verbatim.
func describe(query []byte) string {
	var m dns.Msg
	if err := m.Unpack(query); err != nil {
		return "(undecodable, " + err.Error() + ")"
	}
	if len(m.Question) == 0 {
		return "(no question)"
	}
	q := m.Question[0]
	return q.Name + " " + dns.TypeToString[q.Qtype]
}
