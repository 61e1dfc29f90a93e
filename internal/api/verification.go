package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/spigell/delivery-engine/internal/verification"
)

type submitCodeRequest struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
}

type submitCodeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// submitCode answers with success=false and a matching status code instead
// of the plain error body, so clients can rely on one shape.
func (s *server) submitCode(c *fiber.Ctx) error {
	var req submitCodeRequest
	if err := c.BodyParser(&req); err != nil {
		return s.submitFailed(c, fmt.Errorf("%w: %v", errBadRequest, err))
	}
	if req.RequestID == "" {
		return s.submitFailed(c, fmt.Errorf("%w: requestId is required", errBadRequest))
	}

	pending, err := s.Verifier.Get(req.RequestID)
	if err != nil {
		return s.submitFailed(c, err)
	}
	if pending.Account != accountID(c) {
		return s.submitFailed(c, fmt.Errorf("%w: %s", verification.ErrNotFound, req.RequestID))
	}

	if _, err := s.Verifier.Submit(req.RequestID, req.Code); err != nil {
		return s.submitFailed(c, err)
	}

	return c.JSON(submitCodeResponse{Success: true, Message: "verification code submitted"})
}

func (s *server) submitFailed(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(submitCodeResponse{Success: false, Message: err.Error()})
}

func (s *server) pendingCodes(c *fiber.Ctx) error {
	return c.JSON(s.Verifier.Pending(accountID(c)))
}

func (s *server) getRequest(c *fiber.Ctx) error {
	req, err := s.Verifier.Get(c.Params("id"))
	if err != nil {
		return err
	}
	if req.Account != accountID(c) {
		return fmt.Errorf("%w: %s", verification.ErrNotFound, c.Params("id"))
	}
	return c.JSON(req)
}
