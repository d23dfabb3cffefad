// Package httpapi exposes the inbox over HTTP for the EducPro portal.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope of every JSON response.
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

// Success writes a 200 response.
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Msg: "ok", Data: data})
}

// Created writes a 201 response.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Response{Code: http.StatusCreated, Msg: "created", Data: data})
}

// NoContent writes a 204 response.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail writes an error response and aborts the chain.
func Fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{Code: status, Msg: msg})
}
