package apperror

import "errors"

var (
	ErrAlreadyWaiting   = errors.New("player is already waiting for an opponent")
	ErrPairingRaceLost  = errors.New("waiting entry was claimed by another pairing")
	ErrSessionNotFound  = errors.New("game session not found")
	ErrSessionNotActive = errors.New("game session is not active")
	ErrNotAParticipant  = errors.New("player is not a participant of the session")
	ErrNotYourTurn      = errors.New("it's not your turn")
	ErrPositionOccupied = errors.New("position is already occupied")
	ErrInvalidPosition  = errors.New("invalid board position")
	ErrStoreWriteFailed = errors.New("store write failed")
	ErrStoreUnavailable = errors.New("store is unavailable")
	ErrCorruptRecord    = errors.New("stored record is corrupt")
)
