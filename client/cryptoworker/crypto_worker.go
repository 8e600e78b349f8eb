// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package cryptoworker implements the client crypto offload pool.  The
// KEM operations are CPU bound, so they run on a bounded set of long
// lived workers instead of the caller's goroutine.
package cryptoworker

import (
	"errors"

	"github.com/katzenpost/hpqc/kem"
	"gopkg.in/op/go-logging.v1"

	"github.com/Oldmacintosh/PeerChat/core/log"
	"github.com/Oldmacintosh/PeerChat/core/worker"
	"github.com/Oldmacintosh/PeerChat/crypto/pqmsg"
)

// ErrHalted is the error returned when an operation is submitted to a
// halted pool.
var ErrHalted = errors.New("cryptoworker: pool halted")

// Result is the outcome of one decryption.  A nil Plaintext is the
// failure sentinel: the ciphertext could not be opened with the pool's
// private key.
type Result struct {
	Ciphertext string
	Plaintext  []byte
}

// Pool is a bounded crypto worker pool.
type Pool struct {
	worker.Worker

	log  *logging.Logger
	priv kem.PrivateKey

	jobCh chan func()
}

// New constructs a Pool with numWorkers workers decrypting with priv.
func New(logBackend *log.Backend, priv kem.PrivateKey, numWorkers int) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	p := &Pool{
		log:   logBackend.GetLogger("cryptoworker"),
		priv:  priv,
		jobCh: make(chan func()),
	}
	for i := 0; i < numWorkers; i++ {
		p.Go(p.worker)
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.HaltCh():
			return
		case f := <-p.jobCh:
			f()
		}
	}
}

func (p *Pool) submit(f func()) error {
	select {
	case p.jobCh <- f:
		return nil
	case <-p.HaltCh():
		return ErrHalted
	}
}

// Decrypt opens one ciphertext on a pool worker.  A nil plaintext with a
// nil error means the decryption failed; the error is only non-nil when
// the pool is halted.
func (p *Pool) Decrypt(ciphertext string) ([]byte, error) {
	replyCh := make(chan []byte, 1)
	err := p.submit(func() {
		replyCh <- p.decrypt(ciphertext)
	})
	if err != nil {
		return nil, err
	}
	select {
	case plaintext := <-replyCh:
		return plaintext, nil
	case <-p.HaltCh():
		return nil, ErrHalted
	}
}

// DecryptBatch opens the given ciphertexts across the pool's workers and
// returns one Result per input, in input order.
func (p *Pool) DecryptBatch(ciphertexts []string) ([]Result, error) {
	replyCh := make(chan Result, len(ciphertexts))
	for _, ct := range ciphertexts {
		ciphertext := ct
		err := p.submit(func() {
			replyCh <- Result{Ciphertext: ciphertext, Plaintext: p.decrypt(ciphertext)}
		})
		if err != nil {
			return nil, err
		}
	}

	byCt := make(map[string][]byte, len(ciphertexts))
	for range ciphertexts {
		select {
		case r := <-replyCh:
			byCt[r.Ciphertext] = r.Plaintext
		case <-p.HaltCh():
			return nil, ErrHalted
		}
	}

	results := make([]Result, 0, len(ciphertexts))
	for _, ct := range ciphertexts {
		results = append(results, Result{Ciphertext: ct, Plaintext: byCt[ct]})
	}
	return results, nil
}

// Encrypt seals plaintext to the peer's key on a pool worker.
func (p *Pool) Encrypt(peerKey kem.PublicKey, plaintext []byte) (string, error) {
	type reply struct {
		ciphertext string
		err        error
	}
	replyCh := make(chan reply, 1)
	err := p.submit(func() {
		ct, err := pqmsg.Encrypt(peerKey, plaintext)
		replyCh <- reply{ciphertext: ct, err: err}
	})
	if err != nil {
		return "", err
	}
	select {
	case r := <-replyCh:
		return r.ciphertext, r.err
	case <-p.HaltCh():
		return "", ErrHalted
	}
}

func (p *Pool) decrypt(ciphertext string) []byte {
	plaintext, err := pqmsg.Decrypt(p.priv, ciphertext)
	if err != nil {
		// Key mismatch and corrupted data are indistinguishable here;
		// both surface as the nil sentinel.
		p.log.Debugf("Decryption failed: %v", err)
		return nil
	}
	return plaintext
}
