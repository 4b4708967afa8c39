// Package mailer composes the messages sent by mail steps: it renders the
// step's template against the target record, rewrites short links into
// tracked redirects, appends the open-tracking pixel and derives a plaintext
// alternative.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"os"
	"regexp"
	"strings"
	texttemplate "text/template"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/stepflow/internal/tracking"
	"github.com/petrijr/stepflow/pkg/api"
)

// ErrNoRecipient is returned when the target record carries no address.
var ErrNoRecipient = errors.New("target record has no recipient address")

// TemplateSource loads stored mail templates by id.
type TemplateSource interface {
	Template(ctx context.Context, id string) (api.MailPayload, error)
}

// LinkShortener assigns short codes to outbound URLs. The codes must be
// resolvable by the api.LinkTracker serving the click redirects.
type LinkShortener interface {
	Shorten(ctx context.Context, target string) (string, error)
}

// Options configure a Composer.
type Options struct {
	// BaseURL is the public root of the tracking endpoints. Tracking is
	// disabled when BaseURL or Signer is unset.
	BaseURL string
	Signer  *tracking.Signer

	// Templates resolves MailPayload.TemplateID when the payload has no
	// inline body.
	Templates TemplateSource

	// Links, when set, shortens every http(s) anchor that is not already
	// a short link so its clicks are tracked.
	Links LinkShortener

	// RecipientField names the record field holding the address.
	// Defaults to "email".
	RecipientField string
}

// Composer implements api.MailComposer.
type Composer struct {
	opts      Options
	converter *md.Converter
	shortLink *regexp.Regexp
}

var _ api.MailComposer = (*Composer)(nil)

func NewComposer(opts Options) *Composer {
	if opts.RecipientField == "" {
		opts.RecipientField = "email"
	}
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	base := strings.TrimRight(opts.BaseURL, "/")
	return &Composer{
		opts:      opts,
		converter: converter,
		shortLink: regexp.MustCompile(`^(?:` + regexp.QuoteMeta(base) + `)?/r/([A-Za-z0-9_-]+)/?$`),
	}
}

func (c *Composer) tracking() bool {
	return c.opts.BaseURL != "" && c.opts.Signer != nil
}

func (c *Composer) Compose(ctx context.Context, instanceID string, target api.RecordRef, tmpl api.MailPayload, rec api.Record) (api.OutgoingMail, error) {
	tmpl, err := c.resolve(ctx, tmpl)
	if err != nil {
		return api.OutgoingMail{}, err
	}

	recipient, _ := rec[c.opts.RecipientField].(string)
	if strings.TrimSpace(recipient) == "" {
		return api.OutgoingMail{}, ErrNoRecipient
	}

	subject, err := renderText(tmpl.Subject, rec)
	if err != nil {
		return api.OutgoingMail{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := renderHTML(tmpl.Body, rec)
	if err != nil {
		return api.OutgoingMail{}, fmt.Errorf("render body: %w", err)
	}
	if c.tracking() {
		body, err = c.rewriteLinks(ctx, body, instanceID)
		if err != nil {
			return api.OutgoingMail{}, fmt.Errorf("rewrite links: %w", err)
		}
	}

	text, err := c.converter.ConvertString(body)
	if err != nil {
		return api.OutgoingMail{}, fmt.Errorf("plaintext alternative: %w", err)
	}
	if c.tracking() {
		pixel, err := c.pixel(instanceID)
		if err != nil {
			return api.OutgoingMail{}, err
		}
		body += pixel
	}

	return api.OutgoingMail{
		InstanceID: instanceID,
		TemplateID: tmpl.TemplateID,
		Target:     target,
		Author:     tmpl.Author,
		Recipient:  recipient,
		Subject:    subject,
		HTMLBody:   body,
		TextBody:   strings.TrimSpace(text),
	}, nil
}

// resolve fills an empty inline body from the stored template. A mail that
// ends up without a body is a configuration error.
func (c *Composer) resolve(ctx context.Context, tmpl api.MailPayload) (api.MailPayload, error) {
	if strings.TrimSpace(tmpl.Body) != "" {
		return tmpl, nil
	}
	meta := map[string]any{"template_id": tmpl.TemplateID}
	if tmpl.TemplateID == "" {
		return tmpl, api.ConfigurationError("mail has neither a body nor a template", nil, nil)
	}
	if c.opts.Templates == nil {
		return tmpl, api.ConfigurationError("no mail template source configured", nil, meta)
	}
	stored, err := c.opts.Templates.Template(ctx, tmpl.TemplateID)
	if err != nil {
		return tmpl, api.ConfigurationError("mail template unavailable", err, meta)
	}
	if strings.TrimSpace(stored.Body) == "" {
		return tmpl, api.ConfigurationError("mail template has an empty body", nil, meta)
	}
	if tmpl.Subject == "" {
		tmpl.Subject = stored.Subject
	}
	if tmpl.Author == "" {
		tmpl.Author = stored.Author
	}
	tmpl.Body = stored.Body
	return tmpl, nil
}

func renderText(src string, rec api.Record) (string, error) {
	t, err := texttemplate.New("subject").Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]any(rec)); err != nil {
		return "", err
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

func renderHTML(src string, rec api.Record) (string, error) {
	t, err := htmltemplate.New("body").Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]any(rec)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// rewriteLinks points short links at the tracked redirect of instanceID.
// With a LinkShortener, other http(s) links are shortened first.
func (c *Composer) rewriteLinks(ctx context.Context, body, instanceID string) (string, error) {
	container := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(body), container)
	if err != nil {
		return "", err
	}

	var walk func(n *html.Node) error
	walk = func(n *html.Node) error {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for i, a := range n.Attr {
				if a.Key != "href" {
					continue
				}
				code, err := c.linkCode(ctx, strings.TrimSpace(a.Val))
				if err != nil {
					return err
				}
				if code != "" {
					n.Attr[i].Val = c.opts.Signer.ClickURL(c.opts.BaseURL, code, instanceID)
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if err := walk(ch); err != nil {
				return err
			}
		}
		return nil
	}

	var buf bytes.Buffer
	for _, n := range nodes {
		if err := walk(n); err != nil {
			return "", err
		}
		if err := html.Render(&buf, n); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// linkCode returns the short code href should be tracked under, or "" to
// leave the link alone.
func (c *Composer) linkCode(ctx context.Context, href string) (string, error) {
	if m := c.shortLink.FindStringSubmatch(href); m != nil {
		return m[1], nil
	}
	if c.opts.Links == nil {
		return "", nil
	}
	u, err := url.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", nil
	}
	return c.opts.Links.Shorten(ctx, href)
}

// pixel renders the open-tracking image of instanceID.
func (c *Composer) pixel(instanceID string) (string, error) {
	var buf bytes.Buffer
	img := &html.Node{
		Type:     html.ElementNode,
		Data:     "img",
		DataAtom: atom.Img,
		Attr: []html.Attribute{
			{Key: "src", Val: c.opts.Signer.PixelURL(c.opts.BaseURL, instanceID)},
			{Key: "alt", Val: ""},
			{Key: "width", Val: "1"},
			{Key: "height", Val: "1"},
		},
	}
	if err := html.Render(&buf, img); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ErrTemplateNotFound is returned by StaticTemplates for unknown ids.
var ErrTemplateNotFound = errors.New("mail template not found")

// StaticTemplates is a TemplateSource backed by a map.
type StaticTemplates map[string]api.MailPayload

func (t StaticTemplates) Template(ctx context.Context, id string) (api.MailPayload, error) {
	p, ok := t[id]
	if !ok {
		return api.MailPayload{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	return p, nil
}

type templateFile map[string]struct {
	Subject string `yaml:"subject"`
	Author  string `yaml:"author"`
	Body    string `yaml:"body"`
}

// LoadTemplates reads a YAML file mapping template ids to their subject,
// author and body.
func LoadTemplates(path string) (StaticTemplates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	out := make(StaticTemplates, len(file))
	for id, t := range file {
		if strings.TrimSpace(t.Body) == "" {
			return nil, fmt.Errorf("template %q has an empty body", id)
		}
		out[id] = api.MailPayload{TemplateID: id, Subject: t.Subject, Author: t.Author, Body: t.Body}
	}
	return out, nil
}
