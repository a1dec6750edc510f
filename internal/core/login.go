package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rafabd1/Nettle/internal/config"
	"github.com/rafabd1/Nettle/internal/networking"
	"github.com/rafabd1/Nettle/internal/utils"
)

// HTTPSession is the part of networking.Session the probes use.
type HTTPSession interface {
	Get(ctx context.Context, path string, headers http.Header) *networking.ProbeResult
	Post(ctx context.Context, path string, jsonBody interface{}, headers http.Header) *networking.ProbeResult
	Do(ctx context.Context, method, path string, jsonBody interface{}, headers http.Header) *networking.ProbeResult
	Cookies() []networking.Cookie
	LastHeaders() http.Header
}

var (
	localAuthDisabledKeys = []string{"localAuthDisabled", "local_auth_disabled"}
	defaultPasswordKeys   = []string{"defaultPasswordInUse", "default_password_in_use", "isDefaultPassword", "hasDefaultPassword"}
)

// LoginFlowConfig is the fixed input of the login flow.
type LoginFlowConfig struct {
	Credentials          config.Credentials
	StatusPath           string
	LoginPagePath        string
	LoginPath            string
	AdminPath            string
	DefaultPasswordPath  string
	CheckDefaultPassword bool
}

// LoginFlowConfigFromConfig extracts the login flow settings of a run.
func LoginFlowConfigFromConfig(cfg *config.Config) LoginFlowConfig {
	return LoginFlowConfig{
		Credentials:          cfg.Target.Credentials,
		StatusPath:           cfg.StatusPath,
		LoginPagePath:        cfg.LoginPagePath,
		LoginPath:            cfg.LoginPath,
		AdminPath:            cfg.AdminPath,
		DefaultPasswordPath:  cfg.DefaultPasswordPath,
		CheckDefaultPassword: cfg.CheckDefaultPassword,
	}
}

// LoginOutcome is the final state of the login flow.
type LoginOutcome struct {
	LoginSucceeded             Tristate
	AdminAccessConfirmed       Tristate
	AdminAccess                AccessClassification
	CredentialChecksApplicable Tristate
	LocalAuthDisabled          Tristate
	CSRF                       CsrfToken
	Interrupted                bool
}

// LoginFlowController runs FETCH_STATUS, RESOLVE_CSRF, DEFAULT_PASSWORD_CHECK,
// ATTEMPT_LOGIN and VERIFY_ACCESS in order on one session, recording every step
// into the run state as it completes.
type LoginFlowController struct {
	cfg      LoginFlowConfig
	session  HTTPSession
	resolver *CsrfResolver
	state    *RunState
	logger   utils.Logger

	once    sync.Once
	outcome LoginOutcome
}

// NewLoginFlowController creates a controller bound to one session.
func NewLoginFlowController(cfg LoginFlowConfig, session HTTPSession, state *RunState, logger utils.Logger) *LoginFlowController {
	return &LoginFlowController{
		cfg:      cfg,
		session:  session,
		resolver: NewCsrfResolver(cfg.LoginPagePath, logger),
		state:    state,
		logger:   logger,
	}
}

// Run executes the flow. The login attempt happens at most once per controller;
// later calls return the first outcome.
func (c *LoginFlowController) Run(ctx context.Context) LoginOutcome {
	c.once.Do(func() {
		c.outcome = c.run(ctx)
	})
	return c.outcome
}

func (c *LoginFlowController) run(ctx context.Context) LoginOutcome {
	out := LoginOutcome{
		AdminAccess: AccessUnknown,
		CSRF:        absentToken(),
	}
	defer c.publish(&out)

	prior := c.fetchStatus(ctx, &out)
	if c.interrupted(ctx, &out) {
		return out
	}

	out.CSRF = c.resolveCSRF(ctx, prior)
	if c.interrupted(ctx, &out) {
		return out
	}

	c.defaultPasswordCheck(ctx, out.CSRF)
	if c.interrupted(ctx, &out) {
		return out
	}

	c.attemptLogin(ctx, &out)
	if c.interrupted(ctx, &out) {
		return out
	}

	c.verifyAccess(ctx, &out)
	return out
}

func (c *LoginFlowController) interrupted(ctx context.Context, out *LoginOutcome) bool {
	if ctx.Err() == nil {
		return false
	}
	out.Interrupted = true
	c.logger.Warnf("[Login] Flow interrupted: %v", ctx.Err())
	return true
}

// publish mirrors the outcome into the run summary.
func (c *LoginFlowController) publish(out *LoginOutcome) {
	cookies := c.session.Cookies()
	c.state.Update(func(s *RunSummary) {
		s.CSRF = out.CSRF
		s.LocalAuthDisabled = out.LocalAuthDisabled
		s.CredentialChecksApplicable = out.CredentialChecksApplicable
		s.LoginSucceeded = out.LoginSucceeded
		s.AdminAccessConfirmed = out.AdminAccessConfirmed
		s.AdminAccess = out.AdminAccess
		if out.LoginSucceeded.IsTrue() {
			s.SessionCookies = cookies
		}
		if out.Interrupted {
			s.Interrupted = true
		}
	})
}

func stepFromResult(name StepName, res *networking.ProbeResult) StepOutcome {
	return StepOutcome{
		Name:       name,
		HTTPStatus: res.StatusCode,
		ErrorKind:  res.ErrorKind(),
		Elapsed:    res.Elapsed,
		Throttled:  res.DelayedByStandby,
	}
}

func (c *LoginFlowController) fetchStatus(ctx context.Context, out *LoginOutcome) map[string]interface{} {
	res := c.session.Get(ctx, c.cfg.StatusPath, nil)
	step := stepFromResult(StepFetchStatus, res)

	switch {
	case res.Err != nil:
		step.Status = StatusError
		step.Detail = fmt.Sprintf("status endpoint unreachable (%s): %v", res.Err.Kind, res.Err.Err)
		c.state.Update(func(s *RunSummary) { s.StatusReachable = False })
		c.logger.Warnf("[Login] %s", step.Detail)
		c.state.AddStep(step)
		return nil
	case res.StatusCode != http.StatusOK:
		step.Status = StatusFailed
		step.Detail = fmt.Sprintf("status endpoint returned HTTP %d", res.StatusCode)
		c.state.Update(func(s *RunSummary) { s.StatusReachable = True })
		c.state.AddStep(step)
		return nil
	}

	c.state.Update(func(s *RunSummary) { s.StatusReachable = True })
	body := res.JSONObject()
	step.Status = StatusSuccess
	step.Success = true
	switch {
	case res.ParseError != nil:
		step.Detail = fmt.Sprintf("HTTP 200 with a non-JSON body (%d bytes kept as text)", len(res.Body))
	case body == nil:
		step.Detail = "HTTP 200 without a JSON object body"
	default:
		step.Detail = "HTTP 200 with JSON body"
		out.LocalAuthDisabled = False
		for _, key := range localAuthDisabledKeys {
			if v, ok := body[key].(bool); ok {
				out.LocalAuthDisabled = TristateOf(v)
				break
			}
		}
		if out.LocalAuthDisabled.IsTrue() {
			step.Detail += "; local authentication is disabled"
		}
	}
	c.state.AddStep(step)
	return body
}

func (c *LoginFlowController) resolveCSRF(ctx context.Context, prior map[string]interface{}) CsrfToken {
	token := c.resolver.Resolve(ctx, prior, c.session)
	step := StepOutcome{Name: StepResolveCSRF}
	if token.Present {
		step.Status = StatusSuccess
		step.Success = true
		step.Detail = fmt.Sprintf("token found (source: %s, name: %s)", token.Source, token.Name)
	} else {
		step.Status = StatusNotFound
		step.Detail = "no CSRF token found; continuing without one"
	}
	c.state.AddStep(step)
	return token
}

// defaultPasswordCheck reads the informational default-password signal. It never
// affects the login attempt nor its success.
func (c *LoginFlowController) defaultPasswordCheck(ctx context.Context, token CsrfToken) {
	if !c.cfg.CheckDefaultPassword {
		c.state.AddStep(StepOutcome{
			Name:   StepDefaultPasswordCheck,
			Status: StatusSkipped,
			Detail: "disabled by configuration",
		})
		return
	}

	res := c.session.Get(ctx, c.cfg.DefaultPasswordPath, token.Header())
	step := stepFromResult(StepDefaultPasswordCheck, res)
	step.Status = StatusInfo
	signal := Unknown

	switch {
	case res.Err != nil:
		step.Status = StatusError
		step.Detail = fmt.Sprintf("request failed (%s)", res.Err.Kind)
	case res.StatusCode != http.StatusOK:
		step.Detail = fmt.Sprintf("endpoint returned HTTP %d; no signal", res.StatusCode)
	default:
		body := res.JSONObject()
		for _, key := range defaultPasswordKeys {
			if v, ok := body[key].(bool); ok {
				signal = TristateOf(v)
				break
			}
		}
		if signal == Unknown {
			step.Detail = "HTTP 200 without a recognised default-password flag"
		} else {
			step.Success = true
			step.Detail = fmt.Sprintf("endpoint reports default password in use: %s (informational only)", signal)
		}
	}

	c.state.Update(func(s *RunSummary) { s.DefaultPasswordSignal = signal })
	c.state.AddStep(step)
}

func (c *LoginFlowController) attemptLogin(ctx context.Context, out *LoginOutcome) {
	payload := map[string]string{
		"username": c.cfg.Credentials.Username,
		"password": c.cfg.Credentials.Password,
	}
	res := c.session.Post(ctx, c.cfg.LoginPath, payload, out.CSRF.Header())
	step := stepFromResult(StepAttemptLogin, res)

	if out.LocalAuthDisabled.IsTrue() {
		out.LoginSucceeded = False
		out.CredentialChecksApplicable = False
		step.Status = StatusNotApplicable
		if res.Err != nil {
			step.Detail = fmt.Sprintf("local authentication disabled; credential checks not applicable (request failed: %s)", res.Err.Kind)
		} else {
			step.Detail = fmt.Sprintf("local authentication disabled; credential checks not applicable (HTTP %d)", res.StatusCode)
		}
		c.state.AddNote("Local authentication is disabled on this server; fixed credentials cannot succeed, so credential findings do not apply.")
		c.state.AddStep(step)
		return
	}

	out.CredentialChecksApplicable = True
	switch {
	case res.Err != nil:
		out.LoginSucceeded = Unknown
		step.Status = StatusError
		step.Detail = fmt.Sprintf("login request failed (%s): %v", res.Err.Kind, res.Err.Err)
	case res.OK(http.StatusOK, http.StatusCreated):
		out.LoginSucceeded = True
		step.Status = StatusSuccess
		step.Success = true
		step.Detail = fmt.Sprintf("default credentials accepted for %q (HTTP %d)", c.cfg.Credentials.Username, res.StatusCode)
		c.logger.Warnf("[Login] %s", step.Detail)
	default:
		out.LoginSucceeded = False
		step.Status = StatusFailed
		step.Detail = fmt.Sprintf("login rejected (HTTP %d)", res.StatusCode)
	}
	c.state.AddStep(step)
}

func (c *LoginFlowController) verifyAccess(ctx context.Context, out *LoginOutcome) {
	if !out.LoginSucceeded.IsTrue() {
		out.AdminAccess = AccessSkipped
		out.AdminAccessConfirmed = False
		c.state.AddStep(StepOutcome{
			Name:   StepVerifyAccess,
			Status: StatusSkipped,
			Detail: "login did not succeed",
		})
		return
	}

	res := c.session.Get(ctx, c.cfg.AdminPath, out.CSRF.Header())
	step := stepFromResult(StepVerifyAccess, res)
	out.AdminAccess = ClassifyAccess(res)

	switch out.AdminAccess {
	case AccessConfirmed:
		out.AdminAccessConfirmed = True
		step.Status = StatusSuccess
		step.Success = true
		step.Detail = fmt.Sprintf("admin resource %s readable with default credentials", c.cfg.AdminPath)
	case AccessError:
		out.AdminAccessConfirmed = Unknown
		step.Status = StatusError
		step.Detail = fmt.Sprintf("admin resource request failed (%s)", res.ErrorKind())
	default:
		out.AdminAccessConfirmed = False
		step.Status = StatusFailed
		step.Detail = fmt.Sprintf("admin resource %s: %s (HTTP %d)", c.cfg.AdminPath, out.AdminAccess, res.StatusCode)
	}
	c.state.AddStep(step)
}

// ClassifyAccess maps the admin resource response to an access classification.
func ClassifyAccess(res *networking.ProbeResult) AccessClassification {
	if res == nil {
		return AccessSkipped
	}
	if res.Err != nil {
		return AccessError
	}
	switch res.StatusCode {
	case http.StatusOK:
		return AccessConfirmed
	case http.StatusUnauthorized:
		return AccessUnauthorized
	case http.StatusForbidden:
		return AccessForbidden
	default:
		return AccessUnexpected
	}
}
