package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixfind/pixfind/internal/services"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *RESTServer) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, fmt.Errorf("%w: malformed JSON body", services.ErrValidation))
		return
	}

	user, err := s.accounts.Register(req.Username, req.Password)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":       user.ID,
		"username": user.Username,
	})
}

func (s *RESTServer) handleLogin(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, fmt.Errorf("%w: malformed JSON body", services.ErrValidation))
		return
	}

	token, user, err := s.accounts.Login(req.Username, req.Password)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":    token,
		"user_id":  user.ID,
		"username": user.Username,
	})
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (s *RESTServer) handleLogout(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, fmt.Errorf("%w: malformed JSON body", services.ErrValidation))
		return
	}

	if err := s.sessions.Logout(req.Token); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (s *RESTServer) handleDeleteAccount(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, fmt.Errorf("%w: malformed JSON body", services.ErrValidation))
		return
	}

	userID, ok := s.authenticate(c, req.Token)
	if !ok {
		return
	}

	// Local state is removed synchronously; remote index cleanup settles
	// through the retry queue.
	if err := s.accounts.Delete(c.Request.Context(), userID); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account deleted"})
}
