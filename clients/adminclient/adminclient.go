// Package adminclient talks to the resolver admin HTTP surface, for
// deploy tooling and operators scripting referral changes.
package adminclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type Status struct {
	Shards    int    `json:"shards"`
	Mechanism string `json:"mechanism"`
	Listen    string `json:"listen"`
}

type Referral struct {
	Prefix string   `json:"prefix"`
	Addrs  []string `json:"addrs"`
}

type AdminClient struct {
	rr   *resty.Client
	addr string
}

func NewAdminClient(adminAddr string) *AdminClient {
	c := &AdminClient{
		rr:   resty.New(),
		addr: fmt.Sprint("http://", adminAddr),
	}
	c.rr.SetTimeout(30 * time.Second)
	return c
}

func (c *AdminClient) Status() (*Status, error) {
	out := new(Status)
	resp, err := c.rr.R().SetResult(out).Get(c.addr + "/status")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, errors.New("status request failed: " + resp.Status())
	}
	return out, nil
}

func (c *AdminClient) Referrals() ([]Referral, error) {
	var out []Referral
	resp, err := c.rr.R().SetResult(&out).Get(c.addr + "/referrals")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, errors.New("referral listing failed: " + resp.Status())
	}
	return out, nil
}

func (c *AdminClient) SetReferral(prefix string, addrs []string) error {
	resp, err := c.rr.R().
		SetBody(Referral{Prefix: prefix, Addrs: addrs}).
		Put(c.addr + "/referrals")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return errors.New("referral update failed: " + resp.Status())
	}
	return nil
}

func (c *AdminClient) RemoveReferral(prefix string) error {
	resp, err := c.rr.R().Delete(c.addr + "/referrals" + prefix)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return errors.New("referral removal failed: " + resp.Status())
	}
	return nil
}
