// Package sbi implements the Supervisor Binary Interface message codec:
// the bidirectional translation between the eight-register SBI calling
// convention and typed request/response values. A7 selects an extension,
// A6 a function within it; A0..A5 carry the arguments. Results come back
// as an error code in A0 and a value in A1.
package sbi

import (
	"github.com/intertidal-holdings/salus/kernel"
	"github.com/intertidal-holdings/salus/kernel/cpu"
)

// SBI extension identifiers.
const (
	ExtPutChar   = 0x01
	ExtBase      = 0x10
	ExtHartState = 0x48534D   // "HSM"
	ExtReset     = 0x53525354 // "SRST"
	ExtTee       = 0x544545   // "TEE"
)

// Error constants from the SBI spec.
const (
	CodeSuccess          int64 = 0
	CodeFailed           int64 = -1
	CodeNotSupported     int64 = -2
	CodeInvalidParam     int64 = -3
	CodeDenied           int64 = -4
	CodeInvalidAddress   int64 = -5
	CodeAlreadyAvailable int64 = -6
	CodeAlreadyStarted   int64 = -7
	CodeAlreadyStopped   int64 = -8
)

// Errors passed over the SBI protocol.
var (
	ErrFailed           = &kernel.Error{Module: "sbi", Message: "operation failed"}
	ErrNotSupported     = &kernel.Error{Module: "sbi", Message: "not supported"}
	ErrInvalidParam     = &kernel.Error{Module: "sbi", Message: "invalid parameter"}
	ErrDenied           = &kernel.Error{Module: "sbi", Message: "denied"}
	ErrInvalidAddress   = &kernel.Error{Module: "sbi", Message: "invalid address"}
	ErrUnknownExtension = &kernel.Error{Module: "sbi", Message: "unknown extension"}
)

// ErrorFromCode maps an SBI error code to the matching error. Unrecognized
// codes collapse to ErrFailed.
func ErrorFromCode(code int64) *kernel.Error {
	switch code {
	case CodeInvalidAddress:
		return ErrInvalidAddress
	case CodeInvalidParam:
		return ErrInvalidParam
	case CodeNotSupported:
		return ErrNotSupported
	case CodeDenied:
		return ErrDenied
	default:
		return ErrFailed
	}
}

// CodeForError maps an error to the code returned over SBI.
func CodeForError(err *kernel.Error) int64 {
	switch err {
	case ErrInvalidAddress:
		return CodeInvalidAddress
	case ErrInvalidParam, ErrUnknownExtension:
		return CodeInvalidParam
	case ErrNotSupported:
		return CodeNotSupported
	case ErrDenied:
		return CodeDenied
	default:
		return CodeFailed
	}
}

// Return carries the result of a handled SBI call back to the caller's
// A0/A1 registers.
type Return struct {
	// Code is the error code placed in A0.
	Code int64

	// Value is the return value placed in A1.
	Value uint64
}

// Success returns a successful Return carrying the given value.
func Success(value uint64) Return {
	return Return{Code: CodeSuccess, Value: value}
}

// Fail returns a failed Return for the given error.
func Fail(err *kernel.Error) Return {
	return Return{Code: CodeForError(err)}
}

// Write places the return values in the caller's registers.
func (r Return) Write(gprs *cpu.GeneralPurposeRegisters) {
	gprs.SetReg(cpu.A0, uint64(r.Code))
	gprs.SetReg(cpu.A1, r.Value)
}

// Message is the decoded form of an SBI call. It is a closed set: the
// dispatcher handles every variant exhaustively.
type Message interface {
	message()
}

// PutCharMessage is the legacy console extension; A0 carries the byte.
type PutCharMessage struct {
	Char uint64
}

// BaseFunction selects a function of the Base extension.
type BaseFunction uint64

// Functions defined for the Base extension.
const (
	BaseGetSpecificationVersion BaseFunction = iota
	BaseGetImplementationID
	BaseGetImplementationVersion
	BaseGetMachineVendorID
	BaseGetMachineArchitectureID
	BaseGetMachineImplementationID

	baseFunctionInvalid
)

// BaseMessage is a call to the Base extension.
type BaseMessage struct {
	Func BaseFunction
}

// StateFunction selects a function of the hart state management extension.
type StateFunction uint64

// Functions defined for the hart state management extension.
const (
	HartStart StateFunction = iota
	HartStop
	HartStatus
	HartSuspend

	stateFunctionInvalid
)

// HartStateMessage is a call to the hart state management extension.
type HartStateMessage struct {
	Func StateFunction
}

// ResetType selects the kind of system reset requested.
type ResetType uint64

// Reset types defined by the reset extension.
const (
	ResetShutdown  ResetType = 0
	ResetColdReset ResetType = 1
	ResetWarmReset ResetType = 2
)

// ResetReason records why a reset was requested.
type ResetReason uint64

// Reset reasons defined by the reset extension.
const (
	ResetNoReason      ResetReason = 0
	ResetSystemFailure ResetReason = 2
)

// ResetMessage is a call to the system reset extension. On the wire the
// reset type travels in A0 and the reason in A1, in both directions.
type ResetMessage struct {
	Type   ResetType
	Reason ResetReason
}

// Shutdown returns the reset message for an orderly shutdown.
func Shutdown() ResetMessage {
	return ResetMessage{Type: ResetShutdown, Reason: ResetNoReason}
}

// TeeMessage is a call to the TEE extension; see TeeFunction for the
// function payloads.
type TeeMessage struct {
	Func TeeFunction
}

func (PutCharMessage) message()   {}
func (BaseMessage) message()      {}
func (HartStateMessage) message() {}
func (ResetMessage) message()     {}
func (TeeMessage) message()       {}

// DecodeMessage creates a Message from the given register state. Intended
// for use from the ecall handler, passed the saved registers of the
// calling VM. A7 must contain a known SBI extension; the remaining A
// registers are interpreted based on the extension it selects.
func DecodeMessage(gprs *cpu.GeneralPurposeRegisters) (Message, *kernel.Error) {
	switch gprs.Reg(cpu.A7) {
	case ExtPutChar:
		return PutCharMessage{Char: gprs.Reg(cpu.A0)}, nil
	case ExtBase:
		if fn := BaseFunction(gprs.Reg(cpu.A6)); fn < baseFunctionInvalid {
			return BaseMessage{Func: fn}, nil
		}
		return nil, ErrInvalidParam
	case ExtHartState:
		if fn := StateFunction(gprs.Reg(cpu.A6)); fn < stateFunctionInvalid {
			return HartStateMessage{Func: fn}, nil
		}
		return nil, ErrInvalidParam
	case ExtReset:
		return decodeReset(gprs.Reg(cpu.A6), gprs.Reg(cpu.A0), gprs.Reg(cpu.A1))
	case ExtTee:
		fn, err := decodeTeeFunction(gprs.ARegs())
		if err != nil {
			return nil, err
		}
		return TeeMessage{Func: fn}, nil
	default:
		return nil, ErrUnknownExtension
	}
}

func decodeReset(a6, a0, a1 uint64) (Message, *kernel.Error) {
	if a6 != 0 {
		return nil, ErrInvalidParam
	}

	var msg ResetMessage
	switch ResetType(a0) {
	case ResetShutdown, ResetColdReset, ResetWarmReset:
		msg.Type = ResetType(a0)
	default:
		return nil, ErrInvalidParam
	}
	switch ResetReason(a1) {
	case ResetNoReason, ResetSystemFailure:
		msg.Reason = ResetReason(a1)
	default:
		return nil, ErrInvalidParam
	}
	return msg, nil
}

// EncodeCall places the register values for msg in the given register
// state, ready for an ecall. Registers not used by the message are
// cleared.
func EncodeCall(msg Message, gprs *cpu.GeneralPurposeRegisters) {
	for reg := cpu.A0; reg <= cpu.A7; reg++ {
		gprs.SetReg(reg, 0)
	}

	switch m := msg.(type) {
	case PutCharMessage:
		gprs.SetReg(cpu.A0, m.Char)
		gprs.SetReg(cpu.A7, ExtPutChar)
	case BaseMessage:
		gprs.SetReg(cpu.A6, uint64(m.Func))
		gprs.SetReg(cpu.A7, ExtBase)
	case HartStateMessage:
		gprs.SetReg(cpu.A6, uint64(m.Func))
		gprs.SetReg(cpu.A7, ExtHartState)
	case ResetMessage:
		gprs.SetReg(cpu.A0, uint64(m.Type))
		gprs.SetReg(cpu.A1, uint64(m.Reason))
		gprs.SetReg(cpu.A7, ExtReset)
	case TeeMessage:
		encodeTeeCall(m.Func, gprs)
		gprs.SetReg(cpu.A7, ExtTee)
	}
}

// Result interprets the A0/A1 values written back by the firmware for the
// given message and returns the call's value. Intended for use by a caller
// after the ecall returns.
func Result(msg Message, a0, a1 uint64) (uint64, *kernel.Error) {
	switch msg.(type) {
	case PutCharMessage:
		// Legacy extension; no return values.
		return 0, nil
	case ResetMessage:
		// A successful reset does not return.
		return 0, ErrFailed
	default:
		if code := int64(a0); code != CodeSuccess {
			return 0, ErrorFromCode(code)
		}
		return a1, nil
	}
}
