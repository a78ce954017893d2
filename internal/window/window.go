// Package window fits prompts into a model deployment's context window.
// A WindowService wraps a tokenizer with the deployment's length limits;
// Factory resolves and memoizes one WindowService per deployment.
package window

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/ferro-labs/model-proxy/internal/objectspec"
	"github.com/ferro-labs/model-proxy/internal/proxyerr"
	"github.com/ferro-labs/model-proxy/internal/tokenizers"
)

// Argument keys understood by the built-in constructors. The factory injects
// all but the token strings from the deployment descriptor.
const (
	ArgTokenizerService                    = "tokenizer_service"
	ArgTokenizerName                       = "tokenizer_name"
	ArgMaxSequenceLength                   = "max_sequence_length"
	ArgMaxRequestLength                    = "max_request_length"
	ArgMaxSequenceAndGeneratedTokensLength = "max_sequence_and_generated_tokens_length"
	ArgEndOfTextToken                      = "end_of_text_token"
	ArgPrefixToken                         = "prefix_token"
)

// TokenizerService performs tokenization on behalf of window services.
type TokenizerService interface {
	Tokenize(ctx context.Context, req tokenizers.TokenizationRequest) (*tokenizers.TokenizationResult, error)
	Decode(ctx context.Context, req tokenizers.DecodeRequest) (*tokenizers.DecodeResult, error)
}

// EncodeResult is an encoded piece of text.
type EncodeResult struct {
	Text   string
	Tokens []tokenizers.Token
}

// WindowService fits text into a deployment's context window.
type WindowService interface {
	TokenizerName() string
	MaxSequenceLength() int
	MaxRequestLength() int
	// MaxSequenceAndGeneratedTokensLength is 0 when the deployment sets no
	// combined limit.
	MaxSequenceAndGeneratedTokensLength() int
	EndOfTextToken() string
	PrefixToken() string

	Encode(ctx context.Context, text string, truncation bool, maxLength int) (EncodeResult, error)
	Decode(ctx context.Context, tokens []tokenizers.Token) (string, error)
	Tokenize(ctx context.Context, text string) ([]string, error)
	FitsWithinContextWindow(ctx context.Context, text string, expectedCompletionTokens int) (bool, error)
	TruncateFromRight(ctx context.Context, text string, expectedCompletionTokens int) (string, error)
}

// LocalWindowService is the window service used for locally known
// deployments. With encoderDecoder set, the prompt and the completion live
// in separate windows, so completion length does not count against the
// request length.
type LocalWindowService struct {
	service           TokenizerService
	tokenizerName     string
	maxSequenceLength int
	maxRequestLength  int
	maxSeqAndGen      int
	endOfTextToken    string
	prefixToken       string
	encoderDecoder    bool
}

// NewDefault builds the default decoder-only window service from args.
func NewDefault(args objectspec.Args) (WindowService, error) {
	return newLocal(args, false)
}

// NewEncoderDecoder builds an encoder-decoder window service from args.
func NewEncoderDecoder(args objectspec.Args) (WindowService, error) {
	return newLocal(args, true)
}

func newLocal(args objectspec.Args, encoderDecoder bool) (*LocalWindowService, error) {
	svc, ok := args[ArgTokenizerService].(TokenizerService)
	if !ok || svc == nil {
		return nil, proxyerr.Configuration("window service: %s is required", ArgTokenizerService)
	}
	name, _, err := args.String(ArgTokenizerName)
	if err != nil {
		return nil, proxyerr.Configuration("window service: %v", err)
	}
	if name == "" {
		return nil, proxyerr.Configuration("window service: %s is required", ArgTokenizerName)
	}
	maxSeq, _, err := args.Int(ArgMaxSequenceLength)
	if err != nil {
		return nil, proxyerr.Configuration("window service: %v", err)
	}
	if maxSeq <= 0 {
		return nil, proxyerr.Configuration("window service: %s must be positive", ArgMaxSequenceLength)
	}
	maxReq, _, err := args.Int(ArgMaxRequestLength)
	if err != nil {
		return nil, proxyerr.Configuration("window service: %v", err)
	}
	if maxReq <= 0 {
		maxReq = maxSeq
	}
	maxSeqAndGen, _, err := args.Int(ArgMaxSequenceAndGeneratedTokensLength)
	if err != nil {
		return nil, proxyerr.Configuration("window service: %v", err)
	}
	eot, _, err := args.String(ArgEndOfTextToken)
	if err != nil {
		return nil, proxyerr.Configuration("window service: %v", err)
	}
	prefix, _, err := args.String(ArgPrefixToken)
	if err != nil {
		return nil, proxyerr.Configuration("window service: %v", err)
	}

	return &LocalWindowService{
		service:           svc,
		tokenizerName:     name,
		maxSequenceLength: maxSeq,
		maxRequestLength:  maxReq,
		maxSeqAndGen:      maxSeqAndGen,
		endOfTextToken:    eot,
		prefixToken:       prefix,
		encoderDecoder:    encoderDecoder,
	}, nil
}

func (w *LocalWindowService) TokenizerName() string                    { return w.tokenizerName }
func (w *LocalWindowService) MaxSequenceLength() int                   { return w.maxSequenceLength }
func (w *LocalWindowService) MaxRequestLength() int                    { return w.maxRequestLength }
func (w *LocalWindowService) MaxSequenceAndGeneratedTokensLength() int { return w.maxSeqAndGen }
func (w *LocalWindowService) EndOfTextToken() string                   { return w.endOfTextToken }
func (w *LocalWindowService) PrefixToken() string                      { return w.prefixToken }

// EncoderDecoder reports whether completion tokens are budgeted separately.
func (w *LocalWindowService) EncoderDecoder() bool { return w.encoderDecoder }

// Encode tokenizes text. A maxLength of 0 means MaxRequestLength.
func (w *LocalWindowService) Encode(ctx context.Context, text string, truncation bool, maxLength int) (EncodeResult, error) {
	if maxLength <= 0 {
		maxLength = w.maxRequestLength
	}
	res, err := w.service.Tokenize(ctx, tokenizers.TokenizationRequest{
		Text:       text,
		Tokenizer:  w.tokenizerName,
		Encode:     true,
		Truncation: truncation,
		MaxLength:  maxLength,
	})
	if err != nil {
		return EncodeResult{}, fmt.Errorf("encode: %w", err)
	}
	return EncodeResult{Text: text, Tokens: res.Tokens}, nil
}

func (w *LocalWindowService) Decode(ctx context.Context, tokens []tokenizers.Token) (string, error) {
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	res, err := w.service.Decode(ctx, tokenizers.DecodeRequest{Tokens: ids, Tokenizer: w.tokenizerName})
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return res.Text, nil
}

func (w *LocalWindowService) Tokenize(ctx context.Context, text string) ([]string, error) {
	res, err := w.service.Tokenize(ctx, tokenizers.TokenizationRequest{Text: text, Tokenizer: w.tokenizerName})
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	return res.Values(), nil
}

// budget returns the number of prompt tokens available when
// expectedCompletionTokens will be generated.
func (w *LocalWindowService) budget(expectedCompletionTokens int) int {
	if w.encoderDecoder {
		return w.maxRequestLength
	}
	n := w.maxRequestLength - expectedCompletionTokens
	if w.maxSeqAndGen > 0 {
		n = min(n, w.maxSeqAndGen-expectedCompletionTokens)
	}
	return n
}

func (w *LocalWindowService) FitsWithinContextWindow(ctx context.Context, text string, expectedCompletionTokens int) (bool, error) {
	enc, err := w.Encode(ctx, text, false, 0)
	if err != nil {
		return false, err
	}
	return len(enc.Tokens) <= w.budget(expectedCompletionTokens), nil
}

// TruncateFromRight drops tokens from the end of text until it fits. Some
// tokenizers do not round-trip exactly, so after decoding it keeps trimming
// characters until the result fits.
func (w *LocalWindowService) TruncateFromRight(ctx context.Context, text string, expectedCompletionTokens int) (string, error) {
	budget := w.budget(expectedCompletionTokens)
	if budget <= 0 {
		return "", nil
	}
	enc, err := w.Encode(ctx, text, true, budget)
	if err != nil {
		return "", err
	}
	if len(enc.Tokens) > budget {
		enc.Tokens = enc.Tokens[:budget]
	}
	out, err := w.Decode(ctx, enc.Tokens)
	if err != nil {
		return "", err
	}
	for out != "" {
		fits, err := w.FitsWithinContextWindow(ctx, out, expectedCompletionTokens)
		if err != nil {
			return "", err
		}
		if fits {
			break
		}
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}
	return out, nil
}

// NewRemote builds the window service of a deployment served by another
// proxy from its published descriptor.
func NewRemote(svc TokenizerService, d RemoteDescriptor) (WindowService, error) {
	return newLocal(objectspec.Args{
		ArgTokenizerService:                    svc,
		ArgTokenizerName:                       d.TokenizerName,
		ArgMaxSequenceLength:                   d.MaxSequenceLength,
		ArgMaxRequestLength:                    d.MaxRequestLength,
		ArgMaxSequenceAndGeneratedTokensLength: d.MaxSequenceAndGeneratedTokensLength,
		ArgEndOfTextToken:                      d.EndOfTextToken,
		ArgPrefixToken:                         d.PrefixToken,
	}, false)
}
