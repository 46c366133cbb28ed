// Package chaintest provides an in-memory ledger implementing chain.Client.
//
// Contract kinds are declared in Go with signature-keyed handlers. Each kind
// has a synthetic bytecode (the keccak of its name) and a constructor ABI,
// exposed through Artifacts so the deployer resolves them like compiled
// artifacts. Top-level writes are atomic: a failing handler rolls back every
// state change made during the transaction.
package chaintest

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing/fstest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/w3"

	"lendctl/errs"
)

// ErrRevert is the cause carried by every rejected transaction.
var ErrRevert = errors.New("execution reverted")

// DefaultSender is the deployer account of a new Chain.
var DefaultSender = common.HexToAddress("0x00000000000000000000000000000000000d3e10")

// Handler implements one contract method. Args are decoded ABI values and
// the returned values are packed according to the method's return types.
// State values are treated as immutable: handlers store fresh values
// rather than mutating stored ones.
type Handler func(cc *CallContext, args []any) ([]any, error)

type method struct {
	fn      *w3.Func
	handler Handler
	write   bool
}

// Kind is a contract type that can be deployed.
type Kind struct {
	Name     string
	ctorArgs string
	ctor     Handler
	methods  map[[4]byte]*method
	bytecode []byte
}

// Handle registers a read-only method.
func (k *Kind) Handle(signature, returns string, h Handler) *Kind {
	k.register(signature, returns, h, false)
	return k
}

// HandleWrite registers a state-changing method.
func (k *Kind) HandleWrite(signature string, h Handler) *Kind {
	k.register(signature, "", h, true)
	return k
}

func (k *Kind) register(signature, returns string, h Handler, write bool) {
	fn := w3.MustNewFunc(signature, returns)
	k.methods[[4]byte(fn.Selector[:])] = &method{fn: fn, handler: h, write: write}
}

// Contract is a deployed instance.
type Contract struct {
	Address common.Address
	Kind    string
	State   map[string]any
	methods map[[4]byte]*method
	code    []byte
}

// Tx is one confirmed top-level transaction.
type Tx struct {
	From      common.Address
	To        common.Address
	Signature string
	Created   common.Address
}

// Chain is an in-memory ledger. It is safe for concurrent use.
type Chain struct {
	mu        sync.Mutex
	id        *big.Int
	sender    common.Address
	kinds     map[string]*Kind
	byCode    map[common.Hash]*Kind
	contracts map[common.Address]*Contract
	nonce     uint64
	block     uint64
	txs       []Tx
	reads     int
	failSig   map[string]error
	failKind  map[string]error
}

// New returns an empty ledger with the given chain id.
func New(chainID int64) *Chain {
	return &Chain{
		id:        big.NewInt(chainID),
		sender:    DefaultSender,
		kinds:     make(map[string]*Kind),
		byCode:    make(map[common.Hash]*Kind),
		contracts: make(map[common.Address]*Contract),
		failSig:   make(map[string]error),
		failKind:  make(map[string]error),
	}
}

// Define declares a deployable kind. ctorArgs lists the constructor input
// types, e.g. "address,uint256"; ctor may be nil.
func (c *Chain) Define(name, ctorArgs string, ctor Handler) *Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	code := crypto.Keccak256([]byte("chaintest:" + name))
	k := &Kind{Name: name, ctorArgs: ctorArgs, ctor: ctor, methods: make(map[[4]byte]*method), bytecode: code}
	c.kinds[name] = k
	c.byCode[common.BytesToHash(code)] = k
	return k
}

// Artifacts renders every defined kind as a compiled artifact.
func (c *Chain) Artifacts() fstest.MapFS {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := fstest.MapFS{}
	for name, k := range c.kinds {
		inputs := []map[string]string{}
		for _, typ := range splitTypes(k.ctorArgs) {
			inputs = append(inputs, map[string]string{"name": "", "type": typ})
		}
		doc := map[string]any{
			"contractName": name,
			"abi": []map[string]any{{
				"type":            "constructor",
				"inputs":          inputs,
				"stateMutability": "nonpayable",
			}},
			"bytecode": "0x" + hex.EncodeToString(k.bytecode),
		}
		raw, _ := json.Marshal(doc)
		out[name+".json"] = &fstest.MapFile{Data: raw}
	}
	return out
}

// Install places a contract of kind at addr without a transaction.
func (c *Chain) Install(addr common.Address, kind string, state map[string]any) *Contract {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.kinds[kind]
	if !ok {
		panic("chaintest: unknown kind " + kind)
	}
	if state == nil {
		state = map[string]any{}
	}
	ct := &Contract{Address: addr, Kind: kind, State: state, methods: k.methods, code: k.bytecode}
	c.contracts[addr] = ct
	return ct
}

// FailNext makes the next transaction invoking signature revert with err.
func (c *Chain) FailNext(signature string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSig[w3.MustNewFunc(signature, "").Signature] = err
}

// FailNextDeploy makes the next deployment of kind revert with err.
func (c *Chain) FailNextDeploy(kind string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failKind[kind] = err
}

// Contract returns the contract at addr, or nil.
func (c *Chain) Contract(addr common.Address) *Contract {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contracts[addr]
}

// State returns one state value of the contract at addr.
func (c *Chain) State(addr common.Address, key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contracts[addr]
	if !ok {
		return nil
	}
	return ct.State[key]
}

// Txs returns the confirmed transactions in order.
func (c *Chain) Txs() []Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tx(nil), c.txs...)
}

// Writes is the number of confirmed transactions, deployments included.
func (c *Chain) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txs)
}

// Reads is the number of read-only calls served.
func (c *Chain) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// SetSender switches the signing account.
func (c *Chain) SetSender(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = addr
}

// NetworkID implements chain.Client.
func (c *Chain) NetworkID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.id), nil
}

// Sender implements chain.Client.
func (c *Chain) Sender() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender
}

// CodeAt implements chain.Client.
func (c *Chain) CodeAt(_ context.Context, addr common.Address) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct, ok := c.contracts[addr]; ok {
		return append([]byte(nil), ct.code...), nil
	}
	return nil, nil
}

// Call implements chain.Client.
func (c *Chain) Call(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	ct, ok := c.contracts[to]
	if !ok {
		return nil, nil
	}
	m, args, err := decodeCall(ct, data)
	if err != nil {
		return nil, err
	}
	cc := &CallContext{chain: c, Self: ct, From: c.sender, Static: true}
	out, err := c.invoke(cc, m, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRevert, err)
	}
	return m.fn.Returns.Pack(out...)
}

// Deploy implements chain.Client.
func (c *Chain) Deploy(_ context.Context, data []byte) (common.Address, *types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(data) < 32 {
		return common.Address{}, nil, errs.Rejection("deploy", "create", fmt.Errorf("%w: unknown bytecode", ErrRevert))
	}
	k, ok := c.byCode[common.BytesToHash(data[:32])]
	if !ok {
		return common.Address{}, nil, errs.Rejection("deploy", "create", fmt.Errorf("%w: unknown bytecode", ErrRevert))
	}
	if err, ok := c.failKind[k.Name]; ok {
		delete(c.failKind, k.Name)
		return common.Address{}, nil, errs.Rejection("deploy", k.Name, fmt.Errorf("%w: %v", ErrRevert, err))
	}
	args := []any{}
	if len(splitTypes(k.ctorArgs)) > 0 {
		fn, err := w3.NewFunc("constructor("+k.ctorArgs+")", "")
		if err != nil {
			return common.Address{}, nil, err
		}
		if args, err = fn.Args.Unpack(data[32:]); err != nil {
			return common.Address{}, nil, errs.Rejection("deploy", k.Name, fmt.Errorf("%w: %v", ErrRevert, err))
		}
	}

	addr := crypto.CreateAddress(c.sender, c.nonce)
	snap := c.snapshot()
	ct := &Contract{Address: addr, Kind: k.Name, State: map[string]any{}, methods: k.methods, code: k.bytecode}
	c.contracts[addr] = ct
	if k.ctor != nil {
		cc := &CallContext{chain: c, Self: ct, From: c.sender}
		if _, err := k.ctor(cc, args); err != nil {
			c.restore(snap)
			return common.Address{}, nil, errs.Rejection("deploy", k.Name, fmt.Errorf("%w: %v", ErrRevert, err))
		}
	}
	receipt := c.confirm(Tx{From: c.sender, Created: addr, Signature: "constructor:" + k.Name})
	receipt.ContractAddress = addr
	return addr, receipt, nil
}

// Send implements chain.Client.
func (c *Chain) Send(_ context.Context, to common.Address, _ *big.Int, data []byte) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contracts[to]
	if !ok {
		return c.confirm(Tx{From: c.sender, To: to}), nil
	}
	m, args, err := decodeCall(ct, data)
	if err != nil {
		return nil, errs.Rejection("send", to.Hex(), err)
	}
	if err, ok := c.failSig[m.fn.Signature]; ok {
		delete(c.failSig, m.fn.Signature)
		return nil, errs.Rejection("send", m.fn.Signature, fmt.Errorf("%w: %v", ErrRevert, err))
	}
	snap := c.snapshot()
	cc := &CallContext{chain: c, Self: ct, From: c.sender}
	if _, err := c.invoke(cc, m, args); err != nil {
		c.restore(snap)
		return nil, errs.Rejection("send", m.fn.Signature, fmt.Errorf("%w: %v", ErrRevert, err))
	}
	return c.confirm(Tx{From: c.sender, To: to, Signature: m.fn.Signature}), nil
}

func (c *Chain) confirm(tx Tx) *types.Receipt {
	c.txs = append(c.txs, tx)
	c.block++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], c.nonce)
	c.nonce++
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      crypto.Keccak256Hash(c.sender.Bytes(), seed[:]),
		BlockNumber: new(big.Int).SetUint64(c.block),
	}
}

func (c *Chain) invoke(cc *CallContext, m *method, args []any) ([]any, error) {
	if m.write && cc.Static {
		return nil, fmt.Errorf("%s: state change in static call", m.fn.Signature)
	}
	out, err := m.handler(cc, args)
	if err != nil {
		return nil, err
	}
	if len(out) != len(m.fn.Returns) {
		return nil, fmt.Errorf("%s: handler returned %d values, want %d", m.fn.Signature, len(out), len(m.fn.Returns))
	}
	return out, nil
}

type snapshot map[common.Address]snapEntry

type snapEntry struct {
	state   map[string]any
	methods map[[4]byte]*method
	kind    string
}

func (c *Chain) snapshot() snapshot {
	snap := make(snapshot, len(c.contracts))
	for addr, ct := range c.contracts {
		state := make(map[string]any, len(ct.State))
		for k, v := range ct.State {
			state[k] = v
		}
		snap[addr] = snapEntry{state: state, methods: ct.methods, kind: ct.Kind}
	}
	return snap
}

func (c *Chain) restore(snap snapshot) {
	for addr := range c.contracts {
		if _, ok := snap[addr]; !ok {
			delete(c.contracts, addr)
		}
	}
	for addr, entry := range snap {
		ct := c.contracts[addr]
		ct.State = entry.state
		ct.methods = entry.methods
		ct.Kind = entry.kind
	}
}

func decodeCall(ct *Contract, data []byte) (*method, []any, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: missing selector", ErrRevert)
	}
	m, ok := ct.methods[[4]byte(data[:4])]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s has no method 0x%x", ErrRevert, ct.Kind, data[:4])
	}
	args, err := m.fn.Args.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s: %v", ErrRevert, m.fn.Signature, err)
	}
	return m, args, nil
}

func splitTypes(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// CallContext is passed to handlers.
type CallContext struct {
	chain  *Chain
	Self   *Contract
	From   common.Address
	Static bool
}

// Get returns a state value of the executing contract.
func (cc *CallContext) Get(key string) any { return cc.Self.State[key] }

// Set stores a state value of the executing contract.
func (cc *CallContext) Set(key string, value any) error {
	if cc.Static {
		return errors.New("state change in static call")
	}
	cc.Self.State[key] = value
	return nil
}

// Address reads an address state value, zero when unset.
func (cc *CallContext) Address(key string) common.Address {
	v, _ := cc.Self.State[key].(common.Address)
	return v
}

// Big reads an integer state value, zero when unset.
func (cc *CallContext) Big(key string) *big.Int {
	if v, ok := cc.Self.State[key].(*big.Int); ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Bool reads a boolean state value.
func (cc *CallContext) Bool(key string) bool {
	v, _ := cc.Self.State[key].(bool)
	return v
}

// Call invokes a method of another contract with the executing contract
// as the caller. Args are Go values as produced by ABI decoding.
func (cc *CallContext) Call(to common.Address, signature, returns string, args ...any) ([]any, error) {
	target, ok := cc.chain.contracts[to]
	if !ok {
		return nil, fmt.Errorf("call %s on empty account %s", signature, to.Hex())
	}
	fn, err := w3.NewFunc(signature, returns)
	if err != nil {
		return nil, err
	}
	m, ok := target.methods[[4]byte(fn.Selector[:])]
	if !ok {
		return nil, fmt.Errorf("%s has no method %s", target.Kind, fn.Signature)
	}
	next := &CallContext{chain: cc.chain, Self: target, From: cc.Self.Address, Static: cc.Static || !m.write}
	return cc.chain.invoke(next, m, args)
}

// CallPacked invokes signature on `to` with ABI-encoded arguments that
// carry no selector, as queued by a timelock.
func (cc *CallContext) CallPacked(to common.Address, signature string, packed []byte) error {
	fn, err := w3.NewFunc(signature, "")
	if err != nil {
		return err
	}
	args, err := fn.Args.Unpack(packed)
	if err != nil {
		return fmt.Errorf("decode %s: %w", signature, err)
	}
	_, err = cc.Call(to, signature, "", args...)
	return err
}

// Delegate swaps the executing contract's code for kind's methods, used by
// proxies to adopt their implementation.
func (cc *CallContext) Delegate(kind string) error {
	k, ok := cc.chain.kinds[kind]
	if !ok {
		return fmt.Errorf("unknown kind %s", kind)
	}
	cc.Self.methods = k.methods
	return nil
}

// KindAt reports the kind of the contract at addr.
func (cc *CallContext) KindAt(addr common.Address) (string, bool) {
	ct, ok := cc.chain.contracts[addr]
	if !ok {
		return "", false
	}
	return ct.Kind, true
}

// Invoke runs ABI calldata (selector included) against the executing
// contract with the given caller.
func (cc *CallContext) Invoke(from common.Address, data []byte) error {
	m, args, err := decodeCall(cc.Self, data)
	if err != nil {
		return err
	}
	next := &CallContext{chain: cc.chain, Self: cc.Self, From: from}
	_, err = cc.chain.invoke(next, m, args)
	return err
}

// Kinds lists the defined kind names.
func (c *Chain) Kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Bytecode returns the synthetic bytecode of kind.
func (c *Chain) Bytecode(kind string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.kinds[kind]; ok {
		return bytes.Clone(k.bytecode)
	}
	return nil
}
