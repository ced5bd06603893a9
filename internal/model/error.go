package model

import "errors"

var ErrorInvalidMessage = errors.New("invalid message")
var ErrorMessageNotFound = errors.New("message not found")
var ErrorDuplicateMessage = errors.New("duplicate message")
var ErrorInvalidPriority = errors.New("priority out of range")
var ErrorInvalidStatus = errors.New("invalid status")
var ErrorInvalidTransition = errors.New("invalid status transition")
var ErrorInvalidPayload = errors.New("payload is not valid JSON")
