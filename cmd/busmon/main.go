// busmon is a small command line tool for poking at a D-Bus bus: list
// names, introspect objects and watch signals going by.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	dbus "github.com/busline/go-dbus"
)

var log = logrus.New()

func main() {
	app := cli.NewApp()
	app.Name = "busmon"
	app.Usage = "inspect and monitor a D-Bus bus"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "system",
			Usage: "talk to the system bus instead of the session bus",
		},
		cli.StringFlag{
			Name:  "address",
			Usage: "connect to an explicit bus address",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "log the handshake and connection internals",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "list-names",
			Usage:  "list the names currently owned on the bus",
			Action: listNames,
		},
		{
			Name:      "introspect",
			Usage:     "print the introspection document of an object",
			ArgsUsage: "<destination> <path>",
			Action:    introspect,
		},
		{
			Name:   "monitor",
			Usage:  "print signals as they arrive",
			Action: monitor,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func connect(c *cli.Context) (*dbus.Connection, error) {
	if c.GlobalBool("verbose") {
		log.SetLevel(logrus.DebugLevel)
		dbus.SetLogger(log)
	}
	if addr := c.GlobalString("address"); addr != "" {
		return dbus.ConnectAddress(addr)
	}
	if c.GlobalBool("system") {
		return dbus.Connect(dbus.SystemBus)
	}
	return dbus.Connect(dbus.SessionBus)
}

func listNames(c *cli.Context) error {
	conn, err := connect(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	names, err := conn.BusDaemon().ListNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func introspect(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: busmon introspect <destination> <path>", 1)
	}
	conn, err := connect(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	obj := conn.Object(c.Args().Get(0), dbus.ObjectPath(c.Args().Get(1)))
	data, err := (&dbus.Introspectable{ObjectProxy: obj}).Introspect()
	if err != nil {
		return err
	}
	fmt.Println(data)
	return nil
}

func monitor(c *cli.Context) error {
	conn, err := connect(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	watch, err := conn.WatchSignal(&dbus.MatchRule{Type: dbus.TypeSignal})
	if err != nil {
		return err
	}
	defer watch.Cancel()

	log.Info("monitoring signals, interrupt to stop")
	for {
		msg, dropped, err := watch.Next(context.Background())
		if err != nil {
			return err
		}
		if dropped > 0 {
			log.Warnf("dropped %d signals", dropped)
		}
		args, _ := msg.AllArgs()
		fmt.Printf("%s %s.%s from %s %v\n", msg.Path, msg.Iface, msg.Member, msg.Sender, args)
	}
}
