package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"sqlagent/internal/store"
)

var (
	errTokenExpired = errors.New("Token expired")
	errTokenInvalid = errors.New("Invalid token")
)

// Identity is the caller of a request. Guests have UserID 0.
type Identity struct {
	UserID   int64  `json:"user_id,omitempty"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Exp      int64  `json:"exp,omitempty"`
}

var guest = Identity{Email: "guest@local", Username: "guest", Role: "guest"}

func (id Identity) isGuest() bool { return id.UserID == 0 }

type claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type tokens struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

func (t tokens) issue(u store.User) (string, error) {
	now := t.now()
	token := jwt.NewWithClaims(t.method, claims{
		UserID:   u.ID,
		Username: u.DisplayName,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	})
	return token.SignedString(t.secret)
}

func (t tokens) parse(s string) (Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(s, &c, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{t.method.Alg()}), jwt.WithTimeFunc(t.now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, errTokenExpired
	}
	if err != nil || c.UserID == 0 {
		return Identity{}, errTokenInvalid
	}

	id := Identity{UserID: c.UserID, Email: c.Subject, Username: c.Username, Role: c.Role}
	if id.Role == "" {
		id.Role = "user"
	}
	if c.ExpiresAt != nil {
		id.Exp = c.ExpiresAt.Unix()
	}
	return id, nil
}

func bearer(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// identify resolves the caller from the bearer header, falling back to
// bodyToken. No token means guest; a bad token is reported as an error.
func (s *server) identify(r *http.Request, bodyToken string) (Identity, error) {
	token := bearer(r)
	if token == "" {
		token = bodyToken
	}
	if token == "" {
		return guest, nil
	}
	return s.tokens.parse(token)
}

// identifyOrGuest is identify for endpoints that serve guests anyway.
func (s *server) identifyOrGuest(r *http.Request, bodyToken string) Identity {
	id, err := s.identify(r, bodyToken)
	if err != nil {
		s.log.Warn("token verification failed, running as guest", "err", err)
		return guest
	}
	return id
}

// requireRole rejects callers whose token does not carry role.
func (s *server) requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identify(r, "")
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if id.Role != role {
			writeError(w, http.StatusForbidden, "Access denied: requires "+role+" role.")
			return
		}
		next(w, r)
	}
}

// signupRequest has no role: public signup always creates a "user".
// Admins are promoted with `sqlagent initdb --admin EMAIL`.
type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func (s *server) signupHandler(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	switch {
	case req.Username == "":
		writeError(w, http.StatusBadRequest, "Username is required")
		return
	case !validEmail(req.Email):
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	case len(req.Password) < 6:
		writeError(w, http.StatusBadRequest, "Password must be at least 6 characters long.")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error hashing password")
		return
	}

	_, err = s.db.CreateUser(r.Context(), store.User{
		ExternalID:    req.Username,
		DisplayName:   req.Username,
		Email:         req.Email,
		PasswordHash:  string(hash),
		Role:          "user",
		LastSessionID: uuid.NewString(),
	})
	if errors.Is(err, store.ErrEmailTaken) {
		writeError(w, http.StatusBadRequest, "Email already registered")
		return
	}
	if err != nil {
		s.log.Error("signup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "DB error")
		return
	}

	s.log.Info("new user registered", "email", req.Email)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Signup successful"})
}

func (s *server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	u, err := s.db.UserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		s.log.Error("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, "DB error")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	// Every login starts a new conversation.
	sid := uuid.NewString()
	if err := s.db.SetLastSessionID(r.Context(), u.ID, sid); err != nil {
		s.log.Error("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, "DB error")
		return
	}

	token, err := s.tokens.issue(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error generating token")
		return
	}

	s.log.Info("login success", "email", u.Email, "session", sid)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *server) meHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearer(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	id, err := s.tokens.parse(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, id)
}
